package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"cmdgate/internal/config"
	"cmdgate/internal/policy"
	"cmdgate/internal/security"
	"cmdgate/internal/sink"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your cmdgate installation",
		Long: `Verifies that the configuration, rule files, audit sinks and API port
are usable. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("cmdgate doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			// 1. Config file exists and validates
			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'cmdgate init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			// 2. Rules
			registry, err := policy.Build(policy.Options{
				DisableDefaults: cfg.Policy.DisableDefaults,
				RuleFiles:       cfg.Policy.RuleFiles,
				RequireApproval: cfg.Policy.RequireApproval,
				DefaultTimeout:  cfg.Policy.DefaultTimeout(),
			}, logger)
			switch {
			case err != nil:
				r.fail("Rules", err.Error())
			case registry.Len() == 0:
				r.warn("Rules", "whitelist is empty; every command will be rejected")
			default:
				r.pass("Rules", fmt.Sprintf("%d commands whitelisted", registry.Len()))
				var missing []string
				for _, rule := range registry.List() {
					if _, err := exec.LookPath(rule.Command); err != nil {
						missing = append(missing, rule.Command)
					}
				}
				if len(missing) > 0 {
					r.warn("Executables", fmt.Sprintf("%d whitelisted commands not on PATH: %v", len(missing), missing))
				} else {
					r.pass("Executables", "all whitelisted commands found on PATH")
				}
			}
			if _, err := security.NewValidator(cfg.Policy.ExtraDangerous); err != nil {
				r.fail("Dangerous patterns", err.Error())
			}

			// 3. Audit sinks
			if len(cfg.Audit.Sinks) == 0 {
				r.warn("Audit sinks", "none configured; records live only in memory")
			}
			for _, sc := range cfg.Audit.Sinks {
				name := "Sink: " + sc.Type
				if err := checkSink(sc); err != nil {
					r.fail(name, err.Error())
				} else {
					r.pass(name, sinkTarget(sc))
				}
			}

			// 4. API port
			if cfg.API.Enabled {
				if err := checkPort(cfg.API.Addr()); err != nil {
					ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					if newClient(cfg, "").Health(ctx) == nil {
						r.pass("API port", cfg.API.Addr()+" served by a running cmdgate")
					} else {
						r.warn("API port", fmt.Sprintf("%s may be in use: %v", cfg.API.Addr(), err))
					}
					cancel()
				} else {
					r.pass("API port", cfg.API.Addr()+" available")
				}
				if !cfg.API.Auth.Enabled {
					r.warn("API auth", "disabled; anyone who can reach the port can approve commands")
				}
			} else {
				r.warn("API", "disabled; approvals cannot be resolved by operators")
			}

			// 5. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			// 6. Default working directory
			if dir := cfg.General.WorkDir; dir != "" {
				if info, err := os.Stat(dir); err != nil || !info.IsDir() {
					r.fail("Work dir", fmt.Sprintf("not a directory: %s", dir))
				} else {
					r.pass("Work dir", dir)
				}
			}

			return r.summary()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running cmdgate.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\ncmdgate should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! cmdgate is ready to run.\n")
	}
	return nil
}

// checkSink opens one sink and closes it again. Opening runs migrations
// for SQLite and pings remote backends.
func checkSink(sc config.SinkConfig) error {
	if sc.Type == config.SinkJSONL {
		if _, err := sink.Verify(sc.Path); err != nil {
			return fmt.Errorf("hash chain broken: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := sink.Open(ctx, []config.SinkConfig{sc}, logger)
	if err != nil {
		return err
	}
	return s.Close()
}

func sinkTarget(sc config.SinkConfig) string {
	switch sc.Type {
	case config.SinkSQLite, config.SinkJSONL:
		return sc.Path
	case config.SinkRedis:
		return sc.Addr
	case config.SinkKafka:
		return fmt.Sprintf("%v topic %s", sc.Brokers, sc.Topic)
	case config.SinkPostgres:
		return "table " + sc.Table
	}
	return sc.Type
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return opErr.Err
		}
		return err
	}
	return ln.Close()
}
