package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"cmdgate/internal/config"
	"cmdgate/internal/domain"
	"cmdgate/internal/sink"

	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

func approvalsCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and resolve pending approval requests on a running server",
	}
	cmd.PersistentFlags().StringVar(&server, "server", "", "server address (default: api.host:api.port)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show requests awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			pending, err := newClient(cfg, server).Pending(ctx)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No pending approvals.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCOMMAND\tREQUESTED BY\tEXPIRES IN")
			for _, req := range pending {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", req.ID, formatCommand(req.Command, req.Args),
					req.RequestedBy, time.Until(req.ExpiresAt).Round(time.Second))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Show one approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			req, err := newClient(cfg, server).Approval(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(req)
		},
	})

	for _, action := range []string{"approve", "reject"} {
		var approver string
		sub := &cobra.Command{
			Use:   action + " [id]",
			Short: strings.ToUpper(action[:1]) + action[1:] + " a pending request",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if approver == "" {
					approver = os.Getenv("USER")
				}
				ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
				defer cancel()

				c := newClient(cfg, server)
				var req domain.ApprovalRequest
				if action == "approve" {
					req, err = c.Approve(ctx, args[0], approver)
				} else {
					req, err = c.Reject(ctx, args[0], approver)
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s %s: %s by %s\n", req.ID, formatCommand(req.Command, req.Args), req.Status, req.DecidedBy)
				return nil
			},
		}
		sub.Flags().StringVar(&approver, "approver", "", "name recorded for the decision (default: $USER)")
		cmd.AddCommand(sub)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "decisions",
		Short: "Show the recent decision trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			decisions, err := newClient(cfg, server).Decisions(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tREQUEST\tCOMMAND\tSTATUS\tAPPROVER")
			for _, d := range decisions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.At.Format(time.RFC3339), d.RequestID, d.Command, d.Status, d.Approver)
			}
			return tw.Flush()
		},
	})
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit trail",
	}

	var (
		tailN    int
		tailFile string
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest durable audit records",
		Long: `Reads the SQLite audit sink from the config, or a JSONL audit file
given with --file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tailFile == "" {
				if sc, ok := cfg.SinkOfType(config.SinkSQLite); ok {
					return tailSQLite(sc.Path, tailN)
				}
				if sc, ok := cfg.SinkOfType(config.SinkJSONL); ok {
					tailFile = sc.Path
				} else {
					return fmt.Errorf("no local sqlite or jsonl sink configured; use --file")
				}
			}
			entries, err := sink.ReadTail(tailFile, tailN)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.Record != nil {
					printRecord(*e.Record)
				} else if e.Decision != nil {
					d := e.Decision
					fmt.Printf("%s  decision  %s %s %s by %s\n", d.At.Format(time.RFC3339), d.RequestID, d.Command, d.Status, d.Approver)
				}
			}
			return nil
		},
	}
	tail.Flags().IntVarP(&tailN, "limit", "n", 20, "number of records")
	tail.Flags().StringVar(&tailFile, "file", "", "JSONL audit file to read")

	var verifyFile string
	verify := &cobra.Command{
		Use:   "verify [file]",
		Short: "Check the hash chain of a JSONL audit file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				verifyFile = args[0]
			}
			if verifyFile == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				sc, ok := cfg.SinkOfType(config.SinkJSONL)
				if !ok {
					return fmt.Errorf("no jsonl sink configured; use --file")
				}
				verifyFile = sc.Path
			}
			n, err := sink.Verify(verifyFile)
			if err != nil {
				fmt.Printf("[FAIL] %s: %v\n", verifyFile, err)
				return &exitCodeError{code: 1}
			}
			fmt.Printf("[PASS] %s: %d entries, chain intact\n", verifyFile, n)
			return nil
		},
	}
	verify.Flags().StringVar(&verifyFile, "file", "", "JSONL audit file (default: configured jsonl sink)")

	var (
		server   string
		command  string
		since    time.Duration
		blocked  bool
		approved bool
		limit    int
	)
	query := &cobra.Command{
		Use:   "query",
		Short: "Query the in-memory window of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f := domain.AuditFilter{Command: command, BlockedOnly: blocked, ApprovedOnly: approved, Limit: limit}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			recs, err := newClient(cfg, server).Audit(ctx, f)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				printRecord(rec)
			}
			return nil
		},
	}
	query.Flags().StringVar(&server, "server", "", "server address (default: api.host:api.port)")
	query.Flags().StringVar(&command, "command", "", "only this command")
	query.Flags().DurationVar(&since, "since", 0, "only records newer than this (e.g. 1h)")
	query.Flags().BoolVar(&blocked, "blocked", false, "only blocked attempts")
	query.Flags().BoolVar(&approved, "approved", false, "only approved attempts")
	query.Flags().IntVar(&limit, "limit", 50, "maximum records (newest kept)")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate counters from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			s, err := newClient(cfg, server).Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(s)
		},
	}
	stats.Flags().StringVar(&server, "server", "", "server address (default: api.host:api.port)")

	cmd.AddCommand(tail, verify, query, stats)
	return cmd
}

func tailSQLite(path string, n int) error {
	store, err := sink.NewSQLite(path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	recs, err := store.Recent(ctx, n)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		printRecord(rec)
	}
	return nil
}

func printRecord(rec domain.AuditRecord) {
	outcome := "ok"
	switch {
	case rec.Blocked:
		outcome = "BLOCKED " + string(rec.ErrorKind)
	case rec.RequiresApproval && !rec.Approved:
		outcome = "PENDING " + rec.ApprovalID
	case rec.ErrorKind != "":
		outcome = "FAILED " + string(rec.ErrorKind)
	case rec.ExitCode != nil && *rec.ExitCode != 0:
		outcome = fmt.Sprintf("exit %d", *rec.ExitCode)
	}
	dur := ""
	if rec.DurationMs != nil {
		dur = fmt.Sprintf(" %dms", *rec.DurationMs)
	}
	fmt.Printf("%s  %-24s %s%s  (%s)\n", rec.StartTime.Format(time.RFC3339), outcome,
		formatCommand(rec.Command, rec.Args), dur, rec.RequestedBy)
}

func formatCommand(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}
