package server

import (
	"fmt"
	"net/http"
)

// Protocol error codes.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// Error represents a protocol error. Code is the machine-readable
// error code from the RFC 6749 taxonomy, Description is safe to show
// to clients, and Status is the HTTP status the transport layer should
// use when the error is delivered directly rather than via redirect.
type Error struct {
	Code        string
	Description string
	Status      int
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new protocol error.
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Constructors for the common error codes. Descriptions must never
// echo secrets or distinguish "unknown token" from "revoked token".
var (
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
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

	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	ErrAccessDenied = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// AuthorizeError wraps a protocol error raised during authorization
// request processing. Redirectable says whether the client's redirect
// URI was validated before the failure: if so the error is delivered
// to the redirect URI as query parameters, otherwise it must be
// rendered directly, since redirecting to an unvalidated URI would
// create an open redirector.
type AuthorizeError struct {
	Err          *Error
	Redirectable bool
	RedirectURI  string
	State        string
}

// Error implements the error interface.
func (e *AuthorizeError) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the underlying protocol error to errors.As.
func (e *AuthorizeError) Unwrap() error {
	return e.Err
}

func directAuthorizeError(err *Error) *AuthorizeError {
	return &AuthorizeError{Err: err, Redirectable: false}
}

func redirectAuthorizeError(err *Error, redirectURI, state string) *AuthorizeError {
	return &AuthorizeError{
		Err:          err,
		Redirectable: true,
		RedirectURI:  redirectURI,
		State:        state,
	}
}
