package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEmptyQuery is returned when a request carries no usable prompt.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrUnknownAgent is returned when an agent identity is not registered.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrTraceNotFound is returned for operations on an unknown trace id.
	ErrTraceNotFound = errors.New("trace not found")
	// ErrAuthentication marks failures the caller can fix by logging in.
	ErrAuthentication = errors.New("authentication required")
	// ErrModelCallLimit is returned once a request exhausts its model call budget.
	ErrModelCallLimit = errors.New("model call limit exceeded")
	// ErrInvalidTransition is returned for non-monotonic task status changes.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// BackendError reports a failed or malformed completion backend call. It is
// not retried at this layer.
type BackendError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed (status %d): %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsAuth reports whether the backend rejected our credentials.
func (e *BackendError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// NewBackendError wraps err unless it already is a BackendError or a context
// error.
func NewBackendError(provider, op string, status int, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &BackendError{Provider: provider, Op: op, StatusCode: status, Err: err}
}

// HandoffTargetError is returned when a handoff references an identity that
// does not resolve to a live agent definition. It is fatal for the request.
type HandoffTargetError struct {
	From   string
	Target string
	Err    error
}

func (e *HandoffTargetError) Error() string {
	return fmt.Sprintf("handoff from %q to %q: target unresolved: %v", e.From, e.Target, e.Err)
}

func (e *HandoffTargetError) Unwrap() error { return e.Err }

// ClassificationError wraps a failed can-handle classification call. Callers
// treat it as a negative answer.
type ClassificationError struct {
	Agent string
	Err   error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification by %q failed: %v", e.Agent, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// ErrorCode is the machine-readable category attached to terminal error events.
type ErrorCode string

const (
	CodeAuthRequired  ErrorCode = "auth_required"
	CodeHandoffTarget ErrorCode = "handoff_target"
	CodeValidation    ErrorCode = "validation"
	CodeBackend       ErrorCode = "backend"
	CodeCancelled     ErrorCode = "cancelled"
	CodeInternal      ErrorCode = "internal"
)

// ClassifyError maps err onto the error code surfaced to consumers.
// Authentication failures are kept apart so clients can offer a login
// affordance instead of a blind retry.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var (
		be *BackendError
		he *HandoffTargetError
	)

	switch {
	case errors.Is(err, ErrAuthentication):
		return CodeAuthRequired
	case errors.As(err, &be) && be.IsAuth():
		return CodeAuthRequired
	case errors.As(err, &he):
		return CodeHandoffTarget
	case errors.Is(err, ErrEmptyQuery), errors.Is(err, ErrUnknownAgent):
		return CodeValidation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	case errors.As(err, &be), errors.Is(err, ErrModelCallLimit):
		return CodeBackend
	default:
		return CodeInternal
	}
}
