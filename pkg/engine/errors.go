// Package engine implements the reconciliation core: dependency-ordered
// rollout planning, server provisioning with classified retries, the
// deploy/health-gate/rollback loop, and preflight validation.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed on retry,
	// such as a network timeout or temporary provider unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error. Retrying a
	// permanent error wastes attempts and can mask the real problem.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes used across the engine. Each code identifies one failure
// family from the orchestrator's taxonomy.
const (
	ErrCodeConfig     = "CONFIG_ERROR"
	ErrCodeResolution = "RESOLUTION_ERROR"
	ErrCodePreflight  = "PREFLIGHT_ERROR"
	ErrCodeProvider   = "PROVIDER_ERROR"
	ErrCodeDeploy     = "DEPLOY_ERROR"
	ErrCodeHealthGate = "HEALTH_GATE_ERROR"
	ErrCodeScript     = "SCRIPT_ERROR"
	ErrCodeState      = "STATE_ERROR"
)

// Error is a classified error with resource and phase context. Terminal
// errors must carry enough context to be actionable without re-running at
// higher verbosity.
type Error struct {
	// Class drives retry decisions.
	Class ErrorClass `json:"class"`

	// Code identifies the failure family (ErrCode* constants).
	Code string `json:"code,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Resource is the server/service/script name the error is attributed to.
	Resource string `json:"resource,omitempty"`

	// Phase is the operation phase (provision, deploy, health-gate, ...).
	Phase string `json:"phase,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s", msg, e.Resource)
		if e.Phase != "" {
			msg += fmt.Sprintf(", phase=%s", e.Phase)
		}
		msg += ")"
	} else if e.Phase != "" {
		msg = fmt.Sprintf("%s (phase=%s)", msg, e.Phase)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by class and code so sentinel comparisons work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource attributes the error to a named resource.
func (e *Error) WithResource(name string) *Error {
	e.Resource = name
	return e
}

// WithPhase records the operation phase the error occurred in.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// NewTransientError creates a transient (retryable) error.
func NewTransientError(code, message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Code: code, Message: message, Err: err}
}

// NewPermanentError creates a permanent (non-retryable) error.
func NewPermanentError(code, message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: code, Message: message, Err: err}
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable reports whether err may be retried. Unclassified errors are
// treated as retryable; only an explicit permanent classification stops a
// retry loop early.
func IsRetryable(err error) bool {
	return !IsPermanent(err)
}
