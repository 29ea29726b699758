// Package errdefs defines the classified error type shared by the agent's
// components. Every component-internal failure is converted into one of
// these classes at its package boundary so callers can decide between
// retry, skip, rollback, and fail-fast without string matching.
package errdefs

import (
	"errors"
	"fmt"
)

// Class classifies an error for retry and recovery logic.
type Class string

const (
	// ClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: connection refused, socket timeout, remote 5xx.
	ClassTransient Class = "transient"

	// ClassProtocol indicates a malformed frame or response. The offending
	// message is discarded and the loop continues.
	ClassProtocol Class = "protocol"

	// ClassIntegrity indicates artifact verification failed (hash mismatch,
	// missing signed URL). Terminal for the current step only.
	ClassIntegrity Class = "integrity"

	// ClassResource indicates a startup-time resource conflict, such as a
	// second agent instance on the same storage directory or the router's
	// connection cap being exceeded.
	ClassResource Class = "resource"

	// ClassInvariant indicates a programmer-invariant violation, such as a
	// revision string that fails validation. The operation that produced
	// the bad input is aborted, never silently coerced.
	ClassInvariant Class = "invariant"
)

// AgentError is a classified error with component context.
type AgentError struct {
	// Class is the error classification for recovery logic.
	Class Class `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Subsystem is the subsystem the error originated in, if applicable.
	Subsystem string `json:"subsystem,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation=%s): %s",
			e.Class, e.Message, e.Operation, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *AgentError) Unwrap() error {
	return e.Err
}

func (e *AgentError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *AgentError) Is(target error) bool {
	t, ok := target.(*AgentError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *AgentError {
	return &AgentError{Class: ClassTransient, Message: message, Err: err}
}

// NewProtocolError creates a new protocol error.
func NewProtocolError(message string, err error) *AgentError {
	return &AgentError{Class: ClassProtocol, Message: message, Err: err}
}

// NewIntegrityError creates a new integrity error.
func NewIntegrityError(message string, err error) *AgentError {
	return &AgentError{Class: ClassIntegrity, Message: message, Err: err}
}

// NewResourceError creates a new resource error.
func NewResourceError(message string, err error) *AgentError {
	return &AgentError{Class: ClassResource, Message: message, Err: err}
}

// NewInvariantError creates a new invariant error.
func NewInvariantError(message string, err error) *AgentError {
	return &AgentError{Class: ClassInvariant, Message: message, Err: err}
}

// WithSubsystem adds subsystem context to an error.
func (e *AgentError) WithSubsystem(subsystem string) *AgentError {
	e.Subsystem = subsystem
	return e
}

// WithOperation adds operation context to an error.
func (e *AgentError) WithOperation(operation string) *AgentError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *AgentError) WithCode(code string) *AgentError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return hasClass(err, ClassTransient)
}

// IsProtocol returns true if the error is classified as a protocol error.
func IsProtocol(err error) bool {
	return hasClass(err, ClassProtocol)
}

// IsIntegrity returns true if the error is classified as an integrity error.
func IsIntegrity(err error) bool {
	return hasClass(err, ClassIntegrity)
}

// IsResource returns true if the error is classified as a resource error.
func IsResource(err error) bool {
	return hasClass(err, ClassResource)
}

// IsInvariant returns true if the error is an invariant violation.
func IsInvariant(err error) bool {
	return hasClass(err, ClassInvariant)
}

// IsRetryable returns true if the error can be retried. Only transient
// errors are retried; everything else needs an explicit recovery action.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

func hasClass(err error, class Class) bool {
	var e *AgentError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeClosed         = "CONNECTION_CLOSED"
	ErrCodeRefused        = "CONNECTION_REFUSED"
	ErrCodeHashMismatch   = "HASH_MISMATCH"
	ErrCodeMissingURL     = "MISSING_SIGNED_URL"
	ErrCodeAlreadyRunning = "ALREADY_RUNNING"
	ErrCodeConnCap        = "CONNECTION_CAP"
	ErrCodeInternal       = "INTERNAL_ERROR"
)
