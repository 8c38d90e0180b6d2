// ABOUTME: Interactive config generator for the init command
// ABOUTME: Prompts for addresses, storage, responder and auth, then writes YAML

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/2389/concierge/internal/config"
)

// initAnswers collects what runInit asks for.
type initAnswers struct {
	HTTPAddr     string
	DBPath       string
	ResponderURL string
	EnableAuth   bool
	LogLevel     string
	LogFormat    string
}

func runInit() error {
	return runInitWith(bufio.NewReader(os.Stdin), getConfigPath(), getDataPath())
}

func runInitWith(reader *bufio.Reader, defaultConfigPath, dataPath string) error {
	fmt.Println("concierge configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var answers initAnswers

	fmt.Println("\n--- Server ---")
	answers.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database ---")
	answers.DBPath = prompt(reader, "SQLite database path", filepath.Join(dataPath, "concierge.db"))

	fmt.Println("\n--- AI responder ---")
	answers.ResponderURL = prompt(reader, "Responder base URL (empty to disable)", "http://localhost:5000")

	fmt.Println("\n--- Admin auth ---")
	answers.EnableAuth = yes(prompt(reader, "Require admin login?", "yes"))

	fmt.Println("\n--- Logging ---")
	answers.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	answers.LogFormat = prompt(reader, "Log format (text/json)", "text")

	cfg, err := buildInitConfig(answers)
	if err != nil {
		return err
	}
	data, err := marshalConfig(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// the file may hold a jwt secret
	if err := os.WriteFile(outputFile, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(answers.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Printf("  Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	if answers.EnableAuth {
		fmt.Println("  concierge admin add --username you   # create a support admin")
	}
	fmt.Println("  concierge serve                      # start the gateway")

	return nil
}

// buildInitConfig turns answers into a config, generating a jwt secret when
// auth is enabled.
func buildInitConfig(a initAnswers) (*config.Config, error) {
	cfg := config.Default()
	cfg.Server.HTTPAddr = a.HTTPAddr
	cfg.Database.Path = a.DBPath
	cfg.Responder.URL = strings.TrimSpace(a.ResponderURL)
	cfg.Logging.Level = a.LogLevel
	cfg.Logging.Format = a.LogFormat

	if a.EnableAuth {
		secret, err := generateSecret()
		if err != nil {
			return nil, err
		}
		cfg.Auth.JWTSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid answers: %w", err)
	}
	return cfg, nil
}

// marshalConfig renders cfg as YAML with durations in their raw form.
func marshalConfig(cfg *config.Config) ([]byte, error) {
	cfg.Auth.TokenTTLRaw = cfg.Auth.TokenTTL.String()
	cfg.Responder.TimeoutRaw = cfg.Responder.Timeout.String()
	cfg.Responder.ReplyDelayRaw = cfg.Responder.ReplyDelay.String()
	cfg.Idempotency.TTLRaw = cfg.Idempotency.TTL.String()

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	header := "# concierge configuration\n# Generated by concierge init\n\n"
	return append([]byte(header), body...), nil
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func yes(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
