package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/telepy/telepy/pkg/types"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// General errors
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest         ErrorCode = "BAD_REQUEST"
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Tunnel-specific errors
	ErrCodeTunnelNotFound  ErrorCode = "TUNNEL_NOT_FOUND"
	ErrCodeDuplicateEntry  ErrorCode = "DUPLICATE_ENTRY"
	ErrCodePoolExhausted   ErrorCode = "PORT_POOL_EXHAUSTED"
	ErrCodeUpstreamFailure ErrorCode = "UPSTREAM_FAILURE"
	ErrCodeTicketInvalid   ErrorCode = "TICKET_INVALID"
	ErrCodeGrantInvalid    ErrorCode = "TRANSFER_GRANT_INVALID"

	// Auth errors
	ErrCodeTokenInvalid ErrorCode = "TOKEN_INVALID"
	ErrCodeMissingAuth  ErrorCode = "MISSING_AUTHORIZATION"
)

// ErrorDetail represents additional error details
type ErrorDetail struct {
	Field string      `json:"field,omitempty"`
	Value interface{} `json:"value,omitempty"`
	Issue string      `json:"issue,omitempty"`
}

// APIError represents a standardized API error response
type APIError struct {
	Code      ErrorCode     `json:"code"`
	Message   string        `json:"message"`
	Details   []ErrorDetail `json:"details,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewAPIError creates a new API error
func NewAPIError(code ErrorCode, message string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithDetails adds error details
func (e *APIError) WithDetails(details ...ErrorDetail) *APIError {
	e.Details = details
	return e
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, status int, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(err); encodeErr != nil {
		s.logger.Error().Err(encodeErr).Msg("Failed to encode error response")
	}
}

// RespondDomainError maps a typed domain error to its HTTP shape. The
// permission branch deliberately leaks nothing about resource existence.
func (s *Server) RespondDomainError(w http.ResponseWriter, err error) {
	var (
		validation *types.ValidationError
		conflict   *types.ConflictError
		notFound   *types.NotFoundError
		upstream   *types.UpstreamError
	)

	switch {
	case errors.Is(err, types.ErrPermission):
		s.Forbidden(w, "")
	case errors.Is(err, types.ErrPoolExhausted):
		s.ErrorResponse(w, http.StatusConflict, NewAPIError(ErrCodePoolExhausted, "No reverse port available in the configured pool"))
	case errors.As(err, &validation):
		s.ErrorResponse(w, http.StatusBadRequest, NewAPIError(ErrCodeValidation, validation.Message).
			WithDetails(ErrorDetail{Field: validation.Field, Issue: validation.Message}))
	case errors.As(err, &conflict):
		s.ErrorResponse(w, http.StatusConflict, NewAPIError(ErrCodeDuplicateEntry, conflict.Error()))
	case errors.As(err, &notFound):
		s.ErrorResponse(w, http.StatusNotFound, NewAPIError(ErrCodeNotFound, notFound.Error()))
	case errors.As(err, &upstream):
		s.ErrorResponse(w, http.StatusBadGateway, NewAPIError(ErrCodeUpstreamFailure, upstream.Error()))
	default:
		s.logger.Error().Err(err).Msg("Unhandled domain error")
		s.InternalError(w, "Internal server error")
	}
}

// Common error response helpers

// InternalError responds with a 500 internal server error
func (s *Server) InternalError(w http.ResponseWriter, message string) {
	err := NewAPIError(ErrCodeInternal, message)
	s.ErrorResponse(w, http.StatusInternalServerError, err)
}

// NotFound responds with a 404 not found error
func (s *Server) NotFound(w http.ResponseWriter, resource string) {
	err := NewAPIError(ErrCodeNotFound, resource+" not found")
	s.ErrorResponse(w, http.StatusNotFound, err)
}

// Unauthorized responds with a 401 unauthorized error
func (s *Server) Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Authentication required"
	}
	err := NewAPIError(ErrCodeUnauthorized, message)
	s.ErrorResponse(w, http.StatusUnauthorized, err)
}

// Forbidden responds with a 403 forbidden error
func (s *Server) Forbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Access denied"
	}
	err := NewAPIError(ErrCodeForbidden, message)
	s.ErrorResponse(w, http.StatusForbidden, err)
}

// BadRequest responds with a 400 bad request error
func (s *Server) BadRequest(w http.ResponseWriter, message string) {
	err := NewAPIError(ErrCodeBadRequest, message)
	s.ErrorResponse(w, http.StatusBadRequest, err)
}

// ValidationError responds with a 400 validation error
func (s *Server) ValidationError(w http.ResponseWriter, message string, details []ValidationError) {
	err := NewAPIError(ErrCodeValidation, message)

	if len(details) > 0 {
		errDetails := make([]ErrorDetail, len(details))
		for i, d := range details {
			errDetails[i] = ErrorDetail{
				Field: d.Field,
				Issue: d.Message,
			}
		}
		err.WithDetails(errDetails...)
	}

	s.ErrorResponse(w, http.StatusBadRequest, err)
}

// ConflictError responds with a 409 conflict error
func (s *Server) ConflictError(w http.ResponseWriter, message string) {
	err := NewAPIError(ErrCodeConflict, message)
	s.ErrorResponse(w, http.StatusConflict, err)
}

// TicketInvalidError responds with a 400 for a bad or consumed ticket
func (s *Server) TicketInvalidError(w http.ResponseWriter) {
	err := NewAPIError(ErrCodeTicketInvalid, "Invalid or expired token")
	s.ErrorResponse(w, http.StatusBadRequest, err)
}

// TunnelNotFound responds with a tunnel not found error
func (s *Server) TunnelNotFound(w http.ResponseWriter, tunnelID string) {
	err := NewAPIError(ErrCodeTunnelNotFound, "Tunnel not found").
		WithDetails(ErrorDetail{Field: "id", Value: tunnelID})
	s.ErrorResponse(w, http.StatusNotFound, err)
}
