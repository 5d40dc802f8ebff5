package homeserver

import (
	"errors"
	"fmt"
	"net/http"

	"cipherroom/internal/domain"
)

// MatrixError represents a structured error response from the homeserver.
// Callers can use errors.As to extract it, or errors.Is against the domain
// sentinels it maps to.
type MatrixError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN", "M_UNKNOWN_TOKEN").
	Code string `json:"errcode"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Is maps Matrix error codes onto the domain taxonomy.
func (e *MatrixError) Is(target error) bool {
	switch target {
	case domain.ErrNetworkTransient:
		return e.StatusCode >= 500 || e.Code == ErrCodeLimitExceeded
	case domain.ErrNotFound:
		return e.Code == ErrCodeNotFound || (e.Code == "" && e.StatusCode == http.StatusNotFound)
	case domain.ErrAuthFailure:
		return e.Code == ErrCodeUnknownToken || e.Code == ErrCodeMissingToken
	}
	return false
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken  = "M_MISSING_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
)

// IsMatrixError checks whether err is a *MatrixError with the given error code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// transportError marks a failure to reach the homeserver at all.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }
func (e *transportError) Is(target error) bool {
	return target == domain.ErrNetworkTransient
}
