package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"cmdgate/internal/api"
	"cmdgate/internal/config"
	"cmdgate/internal/domain"
	"cmdgate/internal/gateway"
	"cmdgate/internal/policy"
	"cmdgate/internal/security"

	"github.com/spf13/cobra"
)

// Exit codes for outcomes that never produced a child status. They follow
// the shell conventions used by timeout(1) and env(1).
const (
	exitRejected         = 126
	exitSpawnFailed      = 127
	exitTimeout          = 124
	exitApprovalRequired = 75
)

func execCmd() *cobra.Command {
	var (
		remote     bool
		server     string
		approvalID string
		timeout    time.Duration
		dir        string
		envPairs   []string
		as         string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] command [args...]",
		Short: "Run a command through the gateway",
		Long: `Checks the command against the rules and the validator, then runs it.
Commands that need approval print an approval id; rerun with --approval-id
once an operator has approved it. With --remote the request goes to a
running 'cmdgate serve' instead of an in-process gateway.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			env, err := parseEnv(envPairs)
			if err != nil {
				return err
			}
			if as == "" {
				as = os.Getenv("USER")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var res domain.ExecutionResult
			if remote {
				res, err = newClient(cfg, server).Exec(ctx, api.ExecRequest{
					Command:        args[0],
					Args:           args[1:],
					WorkingDir:     dir,
					Env:            env,
					RequestedBy:    as,
					ApprovalID:     approvalID,
					TimeoutSeconds: int(timeout / time.Second),
				})
			} else {
				res, err = execLocal(ctx, cfg, domain.ExecutionRequest{
					Command:     args[0],
					Args:        args[1:],
					WorkingDir:  dir,
					Env:         env,
					RequestedBy: as,
					ApprovalID:  approvalID,
					Timeout:     timeout,
				})
			}
			return reportExec(res, err, asJSON)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVarP(&remote, "remote", "r", false, "send the request to a running server")
	cmd.Flags().StringVar(&server, "server", "", "server address for --remote (default: api.host:api.port)")
	cmd.Flags().StringVar(&approvalID, "approval-id", "", "redeem an approved request")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "request a shorter timeout than the rule maximum")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory")
	cmd.Flags().StringArrayVarP(&envPairs, "env", "e", nil, "extra environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&as, "as", "", "requester recorded in the audit trail (default: $USER)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON instead of streaming output")
	return cmd
}

func execLocal(ctx context.Context, cfg *config.Config, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	gw, err := gateway.FromConfig(ctx, cfg, logger)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if err := gw.Init(ctx); err != nil {
		return domain.ExecutionResult{}, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown", "err", err)
		}
	}()
	return gw.Execute(ctx, req)
}

func reportExec(res domain.ExecutionResult, err error, asJSON bool) error {
	var ge *domain.GateError
	if err != nil && !errors.As(err, &ge) {
		return err
	}

	if asJSON {
		out := map[string]any{"result": res}
		if ge != nil {
			out["error"] = map[string]any{"kind": ge.Kind, "reason": ge.Reason, "approvalId": ge.ApprovalID}
		}
		if err := printJSON(out); err != nil {
			return err
		}
	} else {
		fmt.Fprint(os.Stdout, res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
		if ge != nil {
			fmt.Fprint(os.Stdout, ge.Stdout)
			fmt.Fprint(os.Stderr, ge.Stderr)
			fmt.Fprintf(os.Stderr, "cmdgate: %s: %s\n", ge.Kind, ge.Reason)
			if domain.IsKind(err, domain.KindApprovalRequired) && ge.ApprovalID != "" {
				fmt.Fprintf(os.Stderr, "cmdgate: approval id %s\n", ge.ApprovalID)
				fmt.Fprintf(os.Stderr, "cmdgate: after approval rerun with --approval-id %s\n", ge.ApprovalID)
			}
		}
	}

	switch {
	case ge == nil && res.ExitCode == 0:
		return nil
	case ge == nil:
		return &exitCodeError{code: res.ExitCode}
	case ge.Kind == domain.KindApprovalRequired:
		return &exitCodeError{code: exitApprovalRequired}
	case ge.Kind == domain.KindTimeout:
		return &exitCodeError{code: exitTimeout}
	case ge.Kind == domain.KindSpawnFailed:
		return &exitCodeError{code: exitSpawnFailed}
	default:
		return &exitCodeError{code: exitRejected}
	}
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the command whitelist",
	}

	var (
		family string
		server string
		asJSON bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List whitelisted commands",
		Long: `Lists the rules built from the local config, or the rules a running
server enforces when --server is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var views []api.RuleView
			if server != "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
				defer cancel()
				if views, err = newClient(cfg, server).Rules(ctx, family); err != nil {
					return err
				}
			} else {
				gw, err := checkGateway()
				if err != nil {
					return err
				}
				for _, rule := range gw.ListRules() {
					if family == "" || rule.Family == family {
						views = append(views, api.NewRuleView(rule))
					}
				}
			}
			if asJSON {
				return printJSON(views)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COMMAND\tFAMILY\tRISK\tAPPROVAL\tMAX TIMEOUT")
			for _, v := range views {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", v.Command, v.Family, v.Risk, v.RequiresApproval,
					time.Duration(v.MaxTimeoutSeconds)*time.Second)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&family, "family", "", "only show one family ("+strings.Join(policy.Families(), ", ")+")")
	list.Flags().StringVar(&server, "server", "", "read the rules of a running server at this address")
	list.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	var (
		envPairs    []string
		checkServer string
	)
	check := &cobra.Command{
		Use:   "check command [args...]",
		Short: "Dry-run the registry and validator against an invocation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := parseEnv(envPairs)
			if err != nil {
				return err
			}
			var (
				view     api.RuleView
				checkErr error
			)
			if checkServer != "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
				defer cancel()
				var res api.CheckResponse
				res, checkErr = newClient(cfg, checkServer).Check(ctx, api.CheckRequest{Command: args[0], Args: args[1:], Env: env})
				if checkErr != nil && domain.KindOf(checkErr) == "" {
					return checkErr
				}
				view = res.Rule
			} else {
				gw, err := checkGateway()
				if err != nil {
					return err
				}
				var rule domain.CommandRule
				if rule, checkErr = gw.Check(args[0], args[1:], env); checkErr == nil {
					view = api.NewRuleView(rule)
				}
			}
			if checkErr != nil {
				fmt.Printf("DENIED  %v\n", checkErr)
				return &exitCodeError{code: exitRejected}
			}
			fmt.Printf("ALLOWED %s (family %s, risk %s, approval required: %t)\n",
				view.Command, view.Family, view.Risk, view.RequiresApproval)
			return nil
		},
	}
	check.Flags().SetInterspersed(false)
	check.Flags().StringArrayVarP(&envPairs, "env", "e", nil, "environment variable KEY=VALUE to validate (repeatable)")
	check.Flags().StringVar(&checkServer, "server", "", "ask a running server at this address instead")

	cmd.AddCommand(list, check)
	return cmd
}

// checkGateway builds a gateway with the configured rules and validator
// but no sink, for read-only inspection.
func checkGateway() (*gateway.Gateway, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	registry, err := policy.Build(policy.Options{
		DisableDefaults: cfg.Policy.DisableDefaults,
		RuleFiles:       cfg.Policy.RuleFiles,
		RequireApproval: cfg.Policy.RequireApproval,
		DefaultTimeout:  cfg.Policy.DefaultTimeout(),
	}, logger.With("component", "policy"))
	if err != nil {
		return nil, err
	}
	validator, err := security.NewValidator(cfg.Policy.ExtraDangerous)
	if err != nil {
		return nil, err
	}
	return gateway.New(gateway.Options{Registry: registry, Validator: validator, Logger: logger})
}
