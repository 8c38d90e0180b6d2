// ABOUTME: Operator CLI for a running concierge gateway
// ABOUTME: Logs in over HTTP and lists, claims, closes and audits conversations

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/concierge/internal/client"
)

const banner = `
                          _                          _           _
  ___ ___  _ __   ___(_) ___ _ __ __ _  ___      __ _| |_ __ ___ (_)_ __
 / __/ _ \| '_ \ / __| |/ _ \ '__/ _' |/ _ \___ / _' | | '_ ' _ \| | '_ \
| (_| (_) | | | | (__| |  __/ | | (_| |  __/___| (_| | | | | | | | | | | |
 \___\___/|_| |_|\___|_|\___|_|  \__, |\___|    \__,_|_|_| |_| |_|_|_| |_|
                                 |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	baseURL := getEnv("CONCIERGE_URL", "http://localhost:8080")
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(ctx, baseURL, token)
	case "login":
		err = cmdLogin(ctx, baseURL, os.Stdin, args)
	case "conversations", "ls":
		err = cmdConversations(ctx, client.New(baseURL, token), os.Stdout, args)
	case "history":
		err = cmdHistory(ctx, client.New(baseURL, token), os.Stdout, args)
	case "join":
		err = cmdAdminAction(ctx, client.New(baseURL, token), os.Stdout, "join", args)
	case "close":
		err = cmdAdminAction(ctx, client.New(baseURL, token), os.Stdout, "close", args)
	case "audit":
		err = cmdAudit(ctx, client.New(baseURL, token), os.Stdout, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		if client.IsStatus(err, 401) {
			color.Yellow("Hint: run 'concierge-admin login' or set CONCIERGE_TOKEN\n")
		}
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: concierge-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                         Show gateway readiness")
	fmt.Println("  login [--username USER]        Log in and save the token")
	fmt.Println("  conversations [--limit N]      List conversations, most recent first")
	fmt.Println("  history <conversation-id>      Print a conversation transcript")
	fmt.Println("  join <conversation-id>         Claim a conversation")
	fmt.Println("  close <conversation-id>        Close a conversation")
	fmt.Println("  audit [--conversation ID] [--action ACTION] [--limit N]")
	fmt.Println("                                 Show the admin audit log")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  CONCIERGE_URL        Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  CONCIERGE_TOKEN      Admin token (default: saved by login)")
	fmt.Println("  CONCIERGE_ADMIN_ID   Admin id for gateways running without auth")
	fmt.Println()
}

func cmdStatus(ctx context.Context, baseURL, token string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	c := client.New(baseURL, token)
	if err := c.Ready(ctx); err != nil {
		yellow.Printf("  Gateway:  ")
		color.Red("NOT READY (%v)\n", err)
		return nil
	}
	green.Printf("  Gateway:  ")
	fmt.Printf("ready at %s\n", baseURL)

	if token == "" {
		yellow.Printf("  Identity: ")
		fmt.Println("no token (anonymous)")
		return nil
	}
	if _, err := c.Conversations(ctx, 1); err != nil {
		yellow.Printf("  Identity: ")
		color.Red("token rejected (%v)\n", err)
		return nil
	}
	green.Printf("  Identity: ")
	fmt.Println("token accepted")
	return nil
}

func cmdLogin(ctx context.Context, baseURL string, in io.Reader, args []string) error {
	reader := bufio.NewReader(in)
	username := flagValue(args, "--username", "-u")
	if username == "" {
		username = prompt(reader, "Username")
	}
	password := os.Getenv("CONCIERGE_ADMIN_PASSWORD")
	if password == "" {
		password = prompt(reader, "Password")
	}

	sess, err := client.New(baseURL, "").Login(ctx, username, password)
	if err != nil {
		return err
	}

	path := tokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sess.Token+"\n"), 0600); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	color.Green("Logged in as %s\n", displayName(sess.DisplayName, sess.AdminID))
	fmt.Printf("  Token saved to %s (expires %s)\n", path, sess.ExpiresAt)
	return nil
}

func cmdConversations(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
	limit, err := intFlag(args, "--limit", 20)
	if err != nil {
		return err
	}
	convs, err := c.Conversations(ctx, limit)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATUS\tCUSTOMER\tADMIN\tUPDATED")
	fmt.Fprintln(w, "  --\t------\t--------\t-----\t-------")
	for _, conv := range convs {
		customer := conv.CustomerName
		if customer == "" {
			customer = truncate(conv.SessionID, 20)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			conv.ID, conv.Status, truncate(customer, 24), truncate(conv.AssignedAdmin, 20), shortTime(conv.UpdatedAt))
	}
	return w.Flush()
}

func cmdHistory(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: concierge-admin history <conversation-id>")
	}
	msgs, err := c.History(ctx, args[0])
	if err != nil {
		return err
	}

	for _, m := range msgs {
		who := m.SenderType
		if m.SenderName != "" {
			who = fmt.Sprintf("%s (%s)", m.SenderType, m.SenderName)
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", shortTime(m.CreatedAt), who, m.Text)
	}
	return nil
}

func cmdAdminAction(ctx context.Context, c *client.Client, out io.Writer, action string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: concierge-admin %s <conversation-id>", action)
	}
	adminID := os.Getenv("CONCIERGE_ADMIN_ID")

	var status string
	switch action {
	case "join":
		conv, err := c.Join(ctx, args[0], adminID)
		if err != nil {
			return err
		}
		status = conv.Status
	case "close":
		conv, err := c.Close(ctx, args[0], adminID)
		if err != nil {
			return err
		}
		status = conv.Status
	}

	fmt.Fprintf(out, "Conversation %s is now %s\n", args[0], status)
	return nil
}

func cmdAudit(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
	limit, err := intFlag(args, "--limit", 50)
	if err != nil {
		return err
	}
	entries, err := c.Audit(ctx, client.AuditQuery{
		ConversationID: flagValue(args, "--conversation", "-c"),
		Action:         flagValue(args, "--action", "-a"),
		Limit:          limit,
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tACTION\tADMIN\tCONVERSATION")
	fmt.Fprintln(w, "  ----\t------\t-----\t------------")
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", shortTime(e.Timestamp), e.Action, truncate(e.ActorAdminID, 20), e.ConversationID)
	}
	return w.Flush()
}

// flagValue returns the value of a "--name value" or "--name=value" argument.
func flagValue(args []string, names ...string) string {
	for i := 0; i < len(args); i++ {
		for _, name := range names {
			if args[i] == name && i+1 < len(args) {
				return args[i+1]
			}
			if v, ok := strings.CutPrefix(args[i], name+"="); ok {
				return v
			}
		}
	}
	return ""
}

func intFlag(args []string, name string, def int) (int, error) {
	raw := flagValue(args, name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

func shortTime(raw string) string {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	return t.Local().Format("Jan 02 15:04")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func tokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "concierge-token"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "concierge", "token")
}

func getToken() string {
	// Check env var first
	if token := os.Getenv("CONCIERGE_TOKEN"); token != "" {
		return token
	}

	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
