package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cmdgate/internal/domain"

	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk YAML schema:
//
//	rules:
//	  - command: make
//	    family: build
//	    risk: low
//	    max_timeout: 10m
//	    allowed_args: ['^(?:build|test)\b']
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Command          string   `yaml:"command"`
	Family           string   `yaml:"family"`
	Description      string   `yaml:"description"`
	Risk             string   `yaml:"risk"`
	RequiresApproval *bool    `yaml:"requires_approval"`
	MaxTimeout       string   `yaml:"max_timeout"`
	AllowedArgs      []string `yaml:"allowed_args"`
	BlockedArgs      []string `yaml:"blocked_args"`
}

func (e ruleEntry) toRule(defaultTimeout time.Duration) (domain.CommandRule, error) {
	rule := domain.CommandRule{
		Command:     strings.TrimSpace(e.Command),
		Family:      e.Family,
		Description: e.Description,
		AllowedArgs: e.AllowedArgs,
		BlockedArgs: e.BlockedArgs,
		MaxTimeout:  defaultTimeout,
		Risk:        domain.RiskCritical,
	}
	if rule.Command == "" {
		return rule, fmt.Errorf("rule without command")
	}
	if rule.Family == "" {
		rule.Family = "custom"
	}
	if e.Risk != "" {
		tier, err := domain.ParseRiskTier(e.Risk)
		if err != nil {
			return rule, fmt.Errorf("rule %s: %w", rule.Command, err)
		}
		rule.Risk = tier
	}
	if e.MaxTimeout != "" {
		d, err := time.ParseDuration(e.MaxTimeout)
		if err != nil {
			return rule, fmt.Errorf("rule %s: max_timeout: %w", rule.Command, err)
		}
		rule.MaxTimeout = d
	}
	if e.RequiresApproval != nil {
		rule.RequiresApproval = *e.RequiresApproval
	} else {
		rule.RequiresApproval = rule.Risk >= domain.RiskElevated
	}
	return rule, nil
}

// LoadRuleFile parses one YAML rule file. Rules without an explicit risk
// tier are treated as critical.
func LoadRuleFile(path string, defaultTimeout time.Duration) ([]domain.CommandRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}

	rules := make([]domain.CommandRule, 0, len(rf.Rules))
	for i, entry := range rf.Rules {
		rule, err := entry.toRule(defaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("%s: entry %d: %w", path, i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadRules loads every configured path. A directory contributes all of
// its .yaml and .yml files in name order; unreadable directory entries are
// skipped with a warning, an explicitly named file that fails is an error.
func LoadRules(paths []string, defaultTimeout time.Duration, logger *slog.Logger) ([]domain.CommandRule, error) {
	var rules []domain.CommandRule
	for _, path := range paths {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			logger.Debug("rule path does not exist, skipping", "path", path)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat rule path: %w", err)
		}

		if !info.IsDir() {
			loaded, err := LoadRuleFile(path, defaultTimeout)
			if err != nil {
				return nil, err
			}
			rules = append(rules, loaded...)
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read rules dir: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			file := filepath.Join(path, name)
			loaded, err := LoadRuleFile(file, defaultTimeout)
			if err != nil {
				logger.Warn("cannot load rule file", "path", file, "err", err)
				continue
			}
			logger.Info("loaded rule file", "path", file, "rules", len(loaded))
			rules = append(rules, loaded...)
		}
	}
	return rules, nil
}
