package domain

import "time"

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is a time-boxed, single-decision gate for one invocation.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	Command     string         `json:"command"`
	Args        []string       `json:"args"`
	RequestedBy string         `json:"requestedBy,omitempty"`
	Reason      string         `json:"reason"`
	RequestedAt time.Time      `json:"requestedAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	Status      ApprovalStatus `json:"status"`
	DecidedBy   string         `json:"decidedBy,omitempty"`
	DecidedAt   time.Time      `json:"decidedAt,omitempty"`
	Consumed    bool           `json:"consumed,omitempty"`
}

// ApprovalDecision is appended to the decision trail whenever a request
// leaves the pending state.
type ApprovalDecision struct {
	RequestID string         `json:"requestId"`
	Command   string         `json:"command"`
	Status    ApprovalStatus `json:"status"`
	Approver  string         `json:"approver,omitempty"`
	At        time.Time      `json:"at"`
}
