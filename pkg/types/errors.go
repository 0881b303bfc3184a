package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components. Handlers translate these to the
// HTTP error taxonomy; nothing below the API layer writes status codes.
var (
	// ErrPermission is returned whenever the requesting user's effective
	// tier is insufficient. It deliberately carries no resource detail.
	ErrPermission = errors.New("forbidden")

	// ErrPoolExhausted is returned when no reverse port remains in the pool
	ErrPoolExhausted = errors.New("reverse port pool exhausted")
)

// ValidationError rejects malformed input before any state mutation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a field-scoped validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError reports duplicate tunnel registration input. The two flags
// are surfaced verbatim so the client can mark the offending form fields.
type ConflictError struct {
	NameExists bool
	KeyExists  bool
}

func (e *ConflictError) Error() string {
	switch {
	case e.NameExists && e.KeyExists:
		return "host friendly name and key already exist"
	case e.NameExists:
		return "host friendly name already exists"
	case e.KeyExists:
		return "key already exists"
	}
	return "conflict"
}

// NotFoundError reports a missing resource by kind
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewNotFoundError creates a NotFoundError
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// UpstreamError reports a failure talking to the tunneled host or the SSH
// gateway; the reason is safe to show the caller.
type UpstreamError struct {
	Op     string
	Reason error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Reason)
}

func (e *UpstreamError) Unwrap() error {
	return e.Reason
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
