// ABOUTME: Entry point for the concierge support chat gateway
// ABOUTME: Subcommands to serve, write a config, add admins and check health

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/concierge/internal/client"
	"github.com/2389/concierge/internal/config"
	"github.com/2389/concierge/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                          _
  ___ ___  _ __   ___(_) ___ _ __ __ _  ___
 / __/ _ \| '_ \ / __| |/ _ \ '__/ _' |/ _ \
| (_| (_) | | | | (__| |  __/ | | (_| |  __/
 \___\___/|_| |_|\___|_|\___|_|  \__, |\___|
                                 |___/
`

// getConfigPath returns the path to the config file.
// Priority: CONCIERGE_CONFIG env var > XDG_CONFIG_HOME/concierge/concierge.yaml > ~/.config/concierge/concierge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONCIERGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "concierge.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "concierge", "concierge.yaml")
}

// getDataPath returns the path to the data directory.
// Priority: XDG_DATA_HOME/concierge > ~/.local/share/concierge
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "concierge")
}

func usage() {
	fmt.Println("Usage: concierge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                  Start the chat gateway")
	fmt.Println("  init                                   Create a new config file interactively")
	fmt.Println("  admin add --username USER [--name NAME] Create a support admin")
	fmt.Println("  admin list                             List support admins")
	fmt.Println("  health                                 Check gateway health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "admin":
		err = runAdmin(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Responder: ")
	if cfg.Responder.URL != "" {
		cyan.Println(cfg.Responder.URL + cfg.Responder.Path)
	} else {
		yellow.Println("disabled")
	}
	if cfg.Auth.JWTSecret == "" {
		green.Print("    ▶ ")
		fmt.Printf("Admin auth: ")
		yellow.Println("disabled (anonymous admins)")
	}
	if cfg.Events.Backend == config.BackendRedis || cfg.Queue.Backend == config.BackendRedis {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     events=%s queue=%s\n", cfg.Events.Backend, cfg.Queue.Backend)
	}
	fmt.Println()

	logger.Info("starting concierge",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	baseURL := "http://" + healthHost(cfg.Server.HTTPAddr)
	if err := client.New(baseURL, "").Ready(ctx); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}

	color.Green("healthy")
	return nil
}

// healthHost turns a listen address like ":8080" into a dialable one.
func healthHost(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
