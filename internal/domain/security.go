package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RiskTier classifies how dangerous a whitelisted command is.
// Tiers 2 and 3 require approval unless a family switch says otherwise.
type RiskTier int

const (
	RiskSafe     RiskTier = 0 // read-only inspection
	RiskLow      RiskTier = 1
	RiskElevated RiskTier = 2
	RiskCritical RiskTier = 3
)

func (r RiskTier) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskLow:
		return "low"
	case RiskElevated:
		return "elevated"
	case RiskCritical:
		return "critical"
	default:
		return fmt.Sprintf("tier(%d)", int(r))
	}
}

// ParseRiskTier accepts either a tier name or its ordinal.
func ParseRiskTier(s string) (RiskTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe", "0":
		return RiskSafe, nil
	case "low", "1":
		return RiskLow, nil
	case "elevated", "2":
		return RiskElevated, nil
	case "critical", "3":
		return RiskCritical, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return 0, fmt.Errorf("risk tier %d out of range 0-3", n)
	}
	return 0, fmt.Errorf("unknown risk tier %q", s)
}

// CommandRule is the whitelist entry for one executable.
type CommandRule struct {
	Command          string        `json:"command" yaml:"command"`
	Family           string        `json:"family" yaml:"family"`
	Description      string        `json:"description" yaml:"description"`
	AllowedArgs      []string      `json:"allowedArgs,omitempty" yaml:"allowed_args,omitempty"`
	BlockedArgs      []string      `json:"blockedArgs,omitempty" yaml:"blocked_args,omitempty"`
	RequiresApproval bool          `json:"requiresApproval" yaml:"requires_approval"`
	MaxTimeout       time.Duration `json:"maxTimeout" yaml:"-"`
	Risk             RiskTier      `json:"risk" yaml:"-"`
}

// ExecutionRequest is what a caller submits to the gateway.
type ExecutionRequest struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	WorkingDir  string            `json:"workingDirectory,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	RequestedBy string            `json:"requestedBy,omitempty"`
	// PreApproved is set by trusted in-process callers that already
	// satisfied an approval out of band.
	PreApproved bool `json:"-"`
	// ApprovalID references an approved request to consume.
	ApprovalID string        `json:"approvalId,omitempty"`
	Timeout    time.Duration `json:"-"`
}

// ExecutionResult is returned for a process that ran to completion.
type ExecutionResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
	AuditID  string        `json:"auditId"`
}
