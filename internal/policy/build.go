package policy

import (
	"log/slog"
	"time"

	"cmdgate/internal/domain"
)

// Options describes how the startup rule set is assembled.
type Options struct {
	DisableDefaults bool
	RuleFiles       []string
	RequireApproval map[string]bool
	DefaultTimeout  time.Duration
}

// Build seeds a registry from the default rules and any rule files, then
// applies the per-family approval switches. File rules replace defaults
// with the same command name.
func Build(opts Options, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Minute
	}

	var rules []domain.CommandRule
	if !opts.DisableDefaults {
		rules = append(rules, DefaultRules()...)
	}
	loaded, err := LoadRules(opts.RuleFiles, opts.DefaultTimeout, logger)
	if err != nil {
		return nil, err
	}
	rules = append(rules, loaded...)

	reg := NewRegistry(logger)
	if err := reg.RegisterAll(ApplyFamilySwitches(rules, opts.RequireApproval)); err != nil {
		return nil, err
	}
	logger.Info("command rules loaded", "count", reg.Len(), "from_files", len(loaded))
	return reg, nil
}
