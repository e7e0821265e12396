package oidcbroker

import (
	"fmt"
	"net/http"
)

// OIDC error codes from RFC 6749 / OIDC Core.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
)

// Error is an OIDC protocol error in RFC 6749 wire shape. State is echoed
// when the error travels back to the client via its redirect URI.
type Error struct {
	Code        string
	Description string
	State       string
	Status      int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error.
func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// ErrInvalidRequest builds an invalid_request error.
func ErrInvalidRequest(description string) *Error {
	return NewError(ErrorCodeInvalidRequest, description, http.StatusBadRequest)
}

// ErrServerError builds a server_error with a generic description so no
// internal detail leaks to clients.
func ErrServerError() *Error {
	return NewError(ErrorCodeServerError, "internal error", http.StatusInternalServerError)
}
