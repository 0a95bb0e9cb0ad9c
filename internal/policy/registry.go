package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"cmdgate/internal/domain"
)

type compiledRule struct {
	rule    domain.CommandRule
	allowed []*regexp.Regexp
	blocked []*regexp.Regexp
}

// Registry holds one rule per whitelisted command.
type Registry struct {
	mu     sync.RWMutex
	rules  map[string]*compiledRule
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rules:  make(map[string]*compiledRule),
		logger: logger,
	}
}

// Register adds or replaces the rule for rule.Command.
func (r *Registry) Register(rule domain.CommandRule) error {
	if strings.TrimSpace(rule.Command) == "" {
		return fmt.Errorf("rule has no command name")
	}
	if rule.Risk < domain.RiskSafe || rule.Risk > domain.RiskCritical {
		return fmt.Errorf("rule %s: risk tier %d out of range", rule.Command, rule.Risk)
	}
	if rule.MaxTimeout < 0 {
		return fmt.Errorf("rule %s: negative max timeout", rule.Command)
	}

	allowed, err := compileAll(rule.AllowedArgs)
	if err != nil {
		return fmt.Errorf("rule %s: allowed args: %w", rule.Command, err)
	}
	blocked, err := compileAll(rule.BlockedArgs)
	if err != nil {
		return fmt.Errorf("rule %s: blocked args: %w", rule.Command, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[rule.Command]; exists {
		r.logger.Debug("replacing command rule", "command", rule.Command)
	}
	r.rules[rule.Command] = &compiledRule{rule: rule, allowed: allowed, blocked: blocked}
	return nil
}

// RegisterAll registers rules in order and stops at the first invalid one.
func (r *Registry) RegisterAll(rules []domain.CommandRule) error {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Get(command string) (domain.CommandRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cr, ok := r.rules[command]
	if !ok {
		return domain.CommandRule{}, false
	}
	return cr.rule, true
}

// List returns every rule sorted by command name.
func (r *Registry) List() []domain.CommandRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.CommandRule, 0, len(r.rules))
	for _, cr := range r.rules {
		out = append(out, cr.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Check explains why an invocation is not permitted, or returns nil.
// A blocked-argument match is a veto and is reported even when an
// allowed pattern also matches.
func (r *Registry) Check(command string, args []string) error {
	r.mu.RLock()
	cr, ok := r.rules[command]
	r.mu.RUnlock()
	if !ok {
		return domain.Errorf(domain.KindNotWhitelisted, "command not whitelisted: %s", command)
	}

	joined := strings.Join(args, " ")
	for _, re := range cr.blocked {
		if re.MatchString(joined) {
			return domain.Errorf(domain.KindBlockedArgsMatched, "arguments match a blocked pattern for %s", command)
		}
	}
	if len(cr.allowed) > 0 {
		for _, re := range cr.allowed {
			if re.MatchString(joined) {
				return nil
			}
		}
		return domain.Errorf(domain.KindArgsNotAllowed, "arguments not allowed for %s", command)
	}
	return nil
}

func (r *Registry) IsAllowed(command string, args []string) bool {
	return r.Check(command, args) == nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
