// Package supervisorerr defines the control-plane supervisor's error
// taxonomy: a fixed set of Kind strings attached to a wrapping error type,
// plus classifier helpers so callers can branch on category without
// string-matching messages.
package supervisorerr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a supervisor error. Kinds are stable
// strings: they are persisted in audit log entries and compared by
// operators, so they must never be renamed.
type Kind string

const (
	StateNotFound          Kind = "STATE_NOT_FOUND"
	StateCorrupt           Kind = "STATE_CORRUPT"
	StatePersistFailed     Kind = "STATE_PERSIST_FAILED"
	MissingStateField      Kind = "MISSING_STATE_FIELD"
	QueueIOFailed          Kind = "QUEUE_IO_FAILED"
	ProviderSpawnFailed    Kind = "PROVIDER_SPAWN_FAILED"
	ProviderTimeout        Kind = "PROVIDER_TIMEOUT"
	ProviderResourceExhausted Kind = "PROVIDER_RESOURCE_EXHAUSTED"
	ProviderAuthFailed     Kind = "PROVIDER_AUTH_FAILED"
	OutputFormatInvalid    Kind = "OUTPUT_FORMAT_INVALID"
	ValidationFailed       Kind = "VALIDATION_FAILED"
	HelperAgentFailed      Kind = "HELPER_AGENT_FAILED"
	InterrogationFailed    Kind = "INTERROGATION_FAILED"
	RecoveryConflict       Kind = "RECOVERY_CONFLICT"
	SandboxEscape          Kind = "SANDBOX_ESCAPE"
)

// Error is the supervisor's structured error type, following the
// teacher's Op/Kind/ID/Err wrapping shape.
type Error struct {
	Op      string // component+operation, e.g. "statestore.Load"
	Kind    Kind
	ID      string // task ID, project ID, or similar, when applicable
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s] (%s): %v", e.Op, e.ID, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is supports errors.Is(err, supervisorerr.Kind) style checks against a
// bare Kind value wrapped in a throwaway *Error, as well as matching two
// *Error values by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a supervisor error for the given operation and kind.
func New(op string, kind Kind, id string, err error) *Error {
	return &Error{Op: op, Kind: kind, ID: id, Err: err}
}

// Newf builds a supervisor error from a formatted message, no wrapped
// error.
func Newf(op string, kind Kind, id, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, ID: id, Message: fmt.Sprintf(format, args...)}
}

// OfKind constructs a comparison target for errors.Is: errors.Is(err,
// supervisorerr.OfKind(supervisorerr.StateNotFound)).
func OfKind(k Kind) error {
	return &Error{Kind: k}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
// The second return is false if no supervisor error is found in the chain.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// IsFatal reports whether a Kind is a fatal-halt condition per the
// supervisor's error-handling design: STATE_* errors, MISSING_STATE_FIELD,
// RECOVERY_CONFLICT, and SANDBOX_ESCAPE always halt the control loop and
// exit non-zero.
func IsFatal(k Kind) bool {
	switch k {
	case StateNotFound, StateCorrupt, StatePersistFailed, MissingStateField,
		RecoveryConflict, SandboxEscape:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a Kind represents a transient condition
// that should be absorbed into backoff and retried rather than treated
// as a halt reason.
func IsRetryable(k Kind) bool {
	return k == ProviderResourceExhausted
}
