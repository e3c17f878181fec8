package gatekeeper

import (
	"fmt"
	"net/http"
)

// OAuth error codes carried on the wire.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAuthorizationPending    = "authorization_pending"
	ErrorCodeSlowDown                = "slow_down"
	ErrorCodeRateLimited             = "rate_limit_exceeded"
	ErrorCodeAuthTimeout             = "authentication_timeout"
	ErrorCodeAuthRequestInvalid      = "authentication_request_invalid"
	ErrorCodeNotFound                = "not_found"
	ErrorCodeServerError             = "server_error"
)

// Error is an OAuth 2.0 protocol error with its HTTP status.
type Error struct {
	Code        string // wire error code, e.g. "invalid_grant"
	Description string
	Status      int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error.
func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// Constructors for the error taxonomy.
var (
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	ErrUnauthorizedClient = func(desc string) *Error {
		return NewError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	ErrForbidden = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrAuthorizationPending tells a polling device-grant client the user
	// has not decided yet.
	ErrAuthorizationPending = func() *Error {
		return NewError(ErrorCodeAuthorizationPending, "Authorization request is still pending", http.StatusPreconditionRequired)
	}

	ErrSlowDown = func() *Error {
		return NewError(ErrorCodeSlowDown, "Polling too frequently", http.StatusBadRequest)
	}

	ErrRateLimited = func(desc string) *Error {
		return NewError(ErrorCodeRateLimited, desc, http.StatusTooManyRequests)
	}

	// ErrAuthTimeout indicates the in-flight challenge expired; the sign-in
	// flow must restart.
	ErrAuthTimeout = func(desc string) *Error {
		return NewError(ErrorCodeAuthTimeout, desc, http.StatusGatewayTimeout)
	}

	// ErrAuthRequestInvalid indicates a challenge response mismatch.
	ErrAuthRequestInvalid = func(desc string) *Error {
		return NewError(ErrorCodeAuthRequestInvalid, desc, http.StatusBadRequest)
	}

	ErrNotFound = func(desc string) *Error {
		return NewError(ErrorCodeNotFound, desc, http.StatusNotFound)
	}

	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// asError narrows err to *Error, substituting a server_error for anything
// unexpected so internal detail never reaches the wire.
func asError(err error) *Error {
	if oauthErr, ok := err.(*Error); ok {
		return oauthErr
	}
	return ErrServerError("Internal server error")
}
