// Package sink holds the durable destinations audit records are written to
// after they enter the in-memory window.
package sink

import (
	"context"

	"cmdgate/internal/domain"
)

// Sink is a closable audit destination.
type Sink interface {
	Write(ctx context.Context, rec domain.AuditRecord) error
	Close() error
}

// DecisionWriter is implemented by sinks that also persist the approval
// decision trail.
type DecisionWriter interface {
	WriteDecision(ctx context.Context, d domain.ApprovalDecision) error
}

// Nop discards everything. It is used when no sink is configured.
type Nop struct{}

func (Nop) Write(context.Context, domain.AuditRecord) error { return nil }
func (Nop) Close() error                                    { return nil }
