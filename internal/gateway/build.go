package gateway

import (
	"context"
	"log/slog"
	"time"

	"cmdgate/internal/config"
	"cmdgate/internal/policy"
	"cmdgate/internal/security"
	"cmdgate/internal/sink"
)

// FromConfig assembles a gateway from a loaded config file: rules,
// validator, sinks and limits.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
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

	s, err := sink.Open(ctx, cfg.Audit.Sinks, logger.With("component", "sink"))
	if err != nil {
		return nil, err
	}

	g, err := New(Options{
		Registry:          registry,
		Validator:         validator,
		Sink:              s,
		ApprovalTTL:       seconds(cfg.Approval.TTLSeconds),
		ApprovalRetention: seconds(cfg.Approval.RetentionSeconds),
		SweepInterval:     seconds(cfg.Approval.SweepIntervalSeconds),
		MaxConcurrent:     cfg.General.MaxConcurrentExecutions,
		DefaultTimeout:    cfg.Policy.DefaultTimeout(),
		Grace:             seconds(cfg.Executor.GraceSeconds),
		MaxOutputBytes:    cfg.Executor.MaxOutputBytes,
		WorkDir:           cfg.General.WorkDir,
		AuditWindow:       cfg.Audit.WindowSize,
		RedactSecrets:     cfg.Audit.RedactSecrets,
		Logger:            logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return g, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
