package api

import (
	"time"

	"cmdgate/internal/domain"
)

// ExecRequest is the body of POST /v1/exec. Remote callers cannot mark a
// request pre-approved; they redeem an approval by id instead.
type ExecRequest struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	WorkingDir     string            `json:"workingDirectory,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	RequestedBy    string            `json:"requestedBy,omitempty"`
	ApprovalID     string            `json:"approvalId,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}

func (r ExecRequest) toDomain() domain.ExecutionRequest {
	return domain.ExecutionRequest{
		Command:     r.Command,
		Args:        r.Args,
		WorkingDir:  r.WorkingDir,
		Env:         r.Env,
		RequestedBy: r.RequestedBy,
		ApprovalID:  r.ApprovalID,
		Timeout:     time.Duration(r.TimeoutSeconds) * time.Second,
	}
}

type CheckRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

type CheckResponse struct {
	Allowed bool     `json:"allowed"`
	Rule    RuleView `json:"rule"`
}

type DecisionRequest struct {
	Approver string `json:"approver,omitempty"`
}

// RuleView is the wire form of a CommandRule with readable tier and
// timeout fields.
type RuleView struct {
	Command           string   `json:"command"`
	Family            string   `json:"family"`
	Description       string   `json:"description,omitempty"`
	Risk              string   `json:"risk"`
	RequiresApproval  bool     `json:"requiresApproval"`
	MaxTimeoutSeconds int64    `json:"maxTimeoutSeconds"`
	AllowedArgs       []string `json:"allowedArgs,omitempty"`
	BlockedArgs       []string `json:"blockedArgs,omitempty"`
}

func NewRuleView(rule domain.CommandRule) RuleView {
	return RuleView{
		Command:           rule.Command,
		Family:            rule.Family,
		Description:       rule.Description,
		Risk:              rule.Risk.String(),
		RequiresApproval:  rule.RequiresApproval,
		MaxTimeoutSeconds: int64(rule.MaxTimeout / time.Second),
		AllowedArgs:       rule.AllowedArgs,
		BlockedArgs:       rule.BlockedArgs,
	}
}
