package domain

import (
	"errors"
	"fmt"
)

// Kind names one category of gateway failure.
type Kind string

const (
	KindNotWhitelisted           Kind = "NotWhitelisted"
	KindArgsNotAllowed           Kind = "ArgsNotAllowed"
	KindBlockedArgsMatched       Kind = "BlockedArgsMatched"
	KindDangerousPattern         Kind = "DangerousPattern"
	KindInjectionAttempt         Kind = "InjectionAttempt"
	KindInvalidPath              Kind = "InvalidPath"
	KindCriticalFileModification Kind = "CriticalFileModification"
	KindDangerousEnvVar          Kind = "DangerousEnvVar"
	KindApprovalRequired         Kind = "ApprovalRequired"
	KindApprovalExpired          Kind = "ApprovalExpired"
	KindSpawnFailed              Kind = "SpawnFailed"
	KindTimeout                  Kind = "Timeout"
)

// Rejection reports whether the kind is raised before any process starts.
func (k Kind) Rejection() bool {
	return k != KindSpawnFailed && k != KindTimeout && k != ""
}

// GateError is the structured error returned by Gateway.Execute.
type GateError struct {
	Kind   Kind
	Reason string
	// ApprovalID is set for KindApprovalRequired.
	ApprovalID string
	// Partial output captured before a SpawnFailed or Timeout.
	Stdout string
	Stderr string
	Err    error
}

func (e *GateError) Error() string {
	msg := string(e.Kind) + ": " + e.Reason
	if e.ApprovalID != "" {
		msg += " (approval request " + e.ApprovalID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GateError) Unwrap() error { return e.Err }

// Errorf builds a GateError with a formatted reason.
func Errorf(kind Kind, format string, args ...any) *GateError {
	return &GateError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, or "" if err is not a GateError.
func KindOf(err error) Kind {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
