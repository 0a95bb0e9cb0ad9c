package sink

import (
	"context"
	"errors"

	"cmdgate/internal/domain"
)

// Multi fans every write out to all of its sinks. One failing sink does
// not stop the others; their errors are joined.
type Multi []Sink

func (m Multi) Write(ctx context.Context, rec domain.AuditRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) WriteDecision(ctx context.Context, d domain.ApprovalDecision) error {
	var errs []error
	for _, s := range m {
		if dw, ok := s.(DecisionWriter); ok {
			if err := dw.WriteDecision(ctx, d); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
