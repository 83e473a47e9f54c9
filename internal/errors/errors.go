// Package errors defines the error taxonomy shared by the runtime.
// Errors are propagated by kind rather than by concrete type so callers
// can decide on retry and surfacing behavior without string matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base sentinel errors usable with errors.Is.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidOutput       = errors.New("invalid output")
	ErrToolNotFound        = errors.New("tool not found")
	ErrTimeout             = errors.New("timeout")
	ErrCancelled           = errors.New("cancelled")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrTransientIO         = errors.New("transient io failure")
	ErrStorageFailure      = errors.New("storage failure")
	ErrShuttingDown        = errors.New("shutting down")
	ErrDuplicateName       = errors.New("duplicate name")
	ErrAlreadyInitialized  = errors.New("already initialized")
	ErrNotInitialized      = errors.New("not initialized")
	ErrInternal            = errors.New("internal error")
)

// Kind categorizes an error for recovery decisions.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindInvalidOutput       Kind = "invalid_output"
	KindToolNotFound        Kind = "tool_not_found"
	KindTimeout             Kind = "timeout"
	KindCancelled           Kind = "cancelled"
	KindResourceUnavailable Kind = "resource_unavailable"
	KindTransientIO         Kind = "transient_io"
	KindStorageFailure      Kind = "storage_failure"
	KindShuttingDown        Kind = "shutting_down"
	KindInternal            Kind = "internal"
)

// RuntimeError is a structured error for runtime operations.
type RuntimeError struct {
	Kind      Kind
	Op        string // operation that failed (e.g. "invoke", "pool_acquire")
	Entry     string // registry entry name where the error occurred
	Err       error  // underlying error
	Fields    map[string]string
	Timestamp time.Time
	Retryable bool
}

func (e *RuntimeError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Entry, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Is maps kinds onto the base sentinel errors.
func (e *RuntimeError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrInvalidInput:
		return e.Kind == KindInvalidInput
	case ErrInvalidOutput:
		return e.Kind == KindInvalidOutput
	case ErrToolNotFound:
		return e.Kind == KindToolNotFound
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrCancelled:
		return e.Kind == KindCancelled
	case ErrResourceUnavailable:
		return e.Kind == KindResourceUnavailable
	case ErrTransientIO:
		return e.Kind == KindTransientIO
	case ErrStorageFailure:
		return e.Kind == KindStorageFailure
	case ErrShuttingDown:
		return e.Kind == KindShuttingDown
	}
	return errors.Is(e.Err, target)
}

// New creates a RuntimeError with retryability derived from the kind.
func New(kind Kind, op, entry string, err error) *RuntimeError {
	return &RuntimeError{
		Kind:      kind,
		Op:        op,
		Entry:     entry,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kindRetryable(kind),
	}
}

// WithField attaches a display-safe detail to the error.
func (e *RuntimeError) WithField(key, value string) *RuntimeError {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = value
	return e
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindResourceUnavailable, KindTransientIO:
		return true
	default:
		return false
	}
}

// KindOf extracts the kind from an error chain. Unknown errors are Internal.
func KindOf(err error) Kind {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrInvalidOutput):
		return KindInvalidOutput
	case errors.Is(err, ErrToolNotFound):
		return KindToolNotFound
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrResourceUnavailable):
		return KindResourceUnavailable
	case errors.Is(err, ErrTransientIO):
		return KindTransientIO
	case errors.Is(err, ErrStorageFailure):
		return KindStorageFailure
	case errors.Is(err, ErrShuttingDown):
		return KindShuttingDown
	}
	return KindInternal
}

// IsRetryable reports whether the error is safe to retry within a budget.
func IsRetryable(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return errors.Is(err, ErrResourceUnavailable) || errors.Is(err, ErrTransientIO)
}

// Wrap helpers used at the call sites that cross component boundaries.

func WrapTransient(op, entry string, err error) error {
	return New(KindTransientIO, op, entry, err)
}

func WrapUnavailable(op, entry string, err error) error {
	return New(KindResourceUnavailable, op, entry, err)
}

func WrapStorage(op string, err error) error {
	return New(KindStorageFailure, op, "", err)
}

// DisplayMessage returns a caller-safe message for the error. Internal
// errors are collapsed so paths and connection details never cross the wire.
func DisplayMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindShuttingDown:
		return "server is shutting down"
	case KindInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
