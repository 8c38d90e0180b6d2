// ABOUTME: admin subcommand for managing support admins from the command line
// ABOUTME: Hashes passwords with bcrypt and writes directly to the configured store

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/concierge/internal/auth"
	"github.com/2389/concierge/internal/config"
	"github.com/2389/concierge/internal/store"
)

// adminAddArgs are the flags of "admin add".
type adminAddArgs struct {
	Username    string
	DisplayName string
}

func runAdmin(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: concierge admin <add|list>")
	}
	switch args[0] {
	case "add":
		parsed, err := parseAdminAddArgs(args[1:])
		if err != nil {
			return err
		}
		return runAdminAdd(ctx, parsed)
	case "list":
		return runAdminList(ctx)
	default:
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

// parseAdminAddArgs supports both "--flag value" and "--flag=value".
func parseAdminAddArgs(args []string) (adminAddArgs, error) {
	var out adminAddArgs
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--username", "-u", "--name", "-n":
			if !hasValue {
				if i+1 >= len(args) {
					return out, fmt.Errorf("%s requires a value", name)
				}
				value = args[i+1]
				i++
			}
			if name == "--username" || name == "-u" {
				out.Username = value
			} else {
				out.DisplayName = value
			}
		default:
			if strings.HasPrefix(arg, "-") {
				return out, fmt.Errorf("unknown flag: %s", arg)
			}
			return out, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	out.Username = strings.TrimSpace(out.Username)
	out.DisplayName = strings.TrimSpace(out.DisplayName)
	if out.Username == "" {
		return out, errors.New("--username is required")
	}
	if len(out.DisplayName) > 100 {
		return out, errors.New("display name exceeds maximum length of 100 characters")
	}
	if out.DisplayName == "" {
		out.DisplayName = out.Username
	}
	return out, nil
}

// openStore opens the configured backend for CLI use.
func openStore(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	if cfg.Database.Driver == config.DriverPostgres {
		return store.NewPostgresStore(ctx, cfg.Database.DSN)
	}
	path := cfg.Database.Path
	if envPath := os.Getenv("CONCIERGE_DB_PATH"); envPath != "" {
		path = envPath
	}
	return store.NewSQLiteStore(path)
}

// readPassword takes CONCIERGE_ADMIN_PASSWORD when set, otherwise asks twice.
func readPassword(reader *bufio.Reader) (string, error) {
	if pw := os.Getenv("CONCIERGE_ADMIN_PASSWORD"); pw != "" {
		return pw, nil
	}
	first := prompt(reader, "Password", "")
	second := prompt(reader, "Repeat password", "")
	if first != second {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}

func runAdminAdd(ctx context.Context, args adminAddArgs) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	password, err := readPassword(bufio.NewReader(os.Stdin))
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	admin := &store.AdminUser{
		ID:           uuid.New().String(),
		Username:     args.Username,
		PasswordHash: hash,
		DisplayName:  args.DisplayName,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.CreateAdminUser(ctx, admin); err != nil {
		if errors.Is(err, store.ErrUsernameExists) {
			return fmt.Errorf("admin %q already exists", args.Username)
		}
		return fmt.Errorf("creating admin: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created admin %s (%s)\n", admin.Username, admin.ID)
	if cfg.Auth.JWTSecret == "" {
		color.Yellow("  ! auth.jwt_secret is not set in %s; admin login stays disabled", configPath)
	}
	return nil
}

func runAdminList(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	admins, err := s.ListAdminUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing admins: %w", err)
	}
	if len(admins) == 0 {
		fmt.Println("no admins yet - run: concierge admin add --username you")
		return nil
	}

	cyan := color.New(color.FgCyan)
	for _, a := range admins {
		cyan.Printf("  %-20s", a.Username)
		fmt.Printf(" %-24s %s\n", a.DisplayName, a.ID)
	}
	return nil
}
