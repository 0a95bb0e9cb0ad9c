package domain

import "time"

// AuditRecord is the outcome entry for one execution attempt.
type AuditRecord struct {
	ID               string     `json:"id"`
	Command          string     `json:"command"`
	Args             []string   `json:"args"`
	RequestedBy      string     `json:"requestedBy,omitempty"`
	WorkingDir       string     `json:"workingDirectory,omitempty"`
	StartTime        time.Time  `json:"startTime"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	DurationMs       *int64     `json:"durationMs,omitempty"`
	Blocked          bool       `json:"blocked"`
	BlockReason      string     `json:"blockReason,omitempty"`
	ErrorKind        Kind       `json:"errorKind,omitempty"`
	RequiresApproval bool       `json:"requiresApproval"`
	Approved         bool       `json:"approved"`
	ApprovalID       string     `json:"approvalId,omitempty"`
	ExitCode         *int       `json:"exitCode,omitempty"`
	Stdout           string     `json:"stdout,omitempty"`
	Stderr           string     `json:"stderr,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// Spawned reports whether a process was started for this record.
func (r AuditRecord) Spawned() bool {
	return r.ExitCode != nil
}

// Failed reports an attempt that was permitted but did not end cleanly.
func (r AuditRecord) Failed() bool {
	if r.Blocked || (r.RequiresApproval && !r.Approved) {
		return false
	}
	if r.Error != "" {
		return true
	}
	return r.ExitCode != nil && *r.ExitCode != 0
}

// AuditFilter selects records from the in-memory window.
type AuditFilter struct {
	Command      string
	Since        time.Time
	Until        time.Time
	BlockedOnly  bool
	ApprovedOnly bool
	Limit        int
}

// Match reports whether rec satisfies every set field of the filter.
func (f AuditFilter) Match(rec AuditRecord) bool {
	if f.Command != "" && rec.Command != f.Command {
		return false
	}
	if !f.Since.IsZero() && rec.StartTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.StartTime.After(f.Until) {
		return false
	}
	if f.BlockedOnly && !rec.Blocked {
		return false
	}
	if f.ApprovedOnly && !rec.Approved {
		return false
	}
	return true
}

// FirewallStats is derived on demand from the retained window.
type FirewallStats struct {
	Total           int            `json:"total"`
	Blocked         int            `json:"blocked"`
	Approved        int            `json:"approved"`
	Failed          int            `json:"failed"`
	PendingApproval int            `json:"pendingApproval"`
	ByCommand       map[string]int `json:"byCommand"`
	ByBlockReason   map[string]int `json:"byBlockReason"`
	AvgDurationMs   float64        `json:"avgDurationMs"`
}
