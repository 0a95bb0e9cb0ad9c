package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cmdgate/internal/api"
	"cmdgate/internal/config"

	"github.com/spf13/cobra"
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: admin API → audit sinks → approvals → save config",
		Long:  "Guides you through the admin API address and credentials, the durable audit sinks and the approval window. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runWizard(cfg, os.Stdin, os.Stdout); err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("\nConfig saved to %s\n", cfgPath)
			fmt.Println("Next: run 'cmdgate doctor', then 'cmdgate serve'.")
			return nil
		},
	}
}

// runWizard edits cfg from answers read on in. An empty answer keeps the
// value shown in brackets.
func runWizard(cfg *config.Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	prompt := func(question, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", question, def)
		} else {
			fmt.Fprintf(out, "%s: ", question)
		}
		line, err := reader.ReadString('\n')
		if err != nil && !(err == io.EOF && line != "") {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}
	yes := func(s string) bool {
		s = strings.ToLower(s)
		return s == "y" || s == "yes" || s == "true"
	}
	yn := func(b bool) string {
		if b {
			return "y"
		}
		return "n"
	}

	// Step 1: admin API
	fmt.Fprintln(out, "\n--- Step 1: Admin API ---")
	ans, err := prompt("Enable the admin API (needed to approve commands)", yn(cfg.API.Enabled))
	if err != nil {
		return err
	}
	cfg.API.Enabled = yes(ans)
	if cfg.API.Enabled {
		if ans, err = prompt("Listen host", cfg.API.Host); err != nil {
			return err
		}
		cfg.API.Host = ans
		if ans, err = prompt("Listen port", strconv.Itoa(cfg.API.Port)); err != nil {
			return err
		}
		port, err := strconv.Atoi(ans)
		if err != nil {
			return fmt.Errorf("invalid port %q", ans)
		}
		cfg.API.Port = port

		if ans, err = prompt("Require basic auth", yn(cfg.API.Auth.Enabled || cfg.API.Auth.Username == "")); err != nil {
			return err
		}
		cfg.API.Auth.Enabled = yes(ans)
		if cfg.API.Auth.Enabled {
			user := cfg.API.Auth.Username
			if user == "" {
				user = "admin"
			}
			if ans, err = prompt("Username", user); err != nil {
				return err
			}
			cfg.API.Auth.Username = ans
			pass, err := prompt("Password (stored as SHA-256; leave empty to keep)", "")
			if err != nil {
				return err
			}
			if pass != "" {
				cfg.API.Auth.PasswordHash = api.HashPassword(pass)
			}
			fmt.Fprintln(out, "  CLI commands read the password from CMDGATE_API_PASSWORD.")
		}
	}

	// Step 2: audit sinks
	fmt.Fprintln(out, "\n--- Step 2: Audit sinks ---")
	sqlitePath := filepath.Join(config.DefaultConfigDir(), "audit.db")
	if sc, ok := cfg.SinkOfType(config.SinkSQLite); ok {
		sqlitePath = sc.Path
	}
	_, hasJSONL := cfg.SinkOfType(config.SinkJSONL)

	var sinks []config.SinkConfig
	if ans, err = prompt("SQLite audit database (answer 'none' to disable)", sqlitePath); err != nil {
		return err
	}
	if ans != "none" {
		sinks = append(sinks, config.SinkConfig{Type: config.SinkSQLite, Path: config.ExpandPath(ans)})
	}
	if ans, err = prompt("Also write a tamper-evident JSONL file", yn(hasJSONL)); err != nil {
		return err
	}
	if yes(ans) {
		def := filepath.Join(config.DefaultConfigDir(), "audit.jsonl")
		if sc, ok := cfg.SinkOfType(config.SinkJSONL); ok {
			def = sc.Path
		}
		if ans, err = prompt("JSONL path", def); err != nil {
			return err
		}
		sinks = append(sinks, config.SinkConfig{Type: config.SinkJSONL, Path: config.ExpandPath(ans)})
	}
	// Remote sinks are kept as configured; edit them with 'cmdgate config set'.
	for _, sc := range cfg.Audit.Sinks {
		if sc.Type != config.SinkSQLite && sc.Type != config.SinkJSONL {
			sinks = append(sinks, sc)
		}
	}
	cfg.Audit.Sinks = sinks

	// Step 3: approvals
	fmt.Fprintln(out, "\n--- Step 3: Approvals ---")
	if ans, err = prompt("Seconds an approval request stays open", strconv.Itoa(cfg.Approval.TTLSeconds)); err != nil {
		return err
	}
	ttl, err := strconv.Atoi(ans)
	if err != nil || ttl <= 0 {
		return fmt.Errorf("invalid ttl %q", ans)
	}
	cfg.Approval.TTLSeconds = ttl
	return nil
}
