// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Protocol error codes. This is the complete set the server emits: the RFC
// 6749 registry plus the OIDC and device-flow extensions.
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeServerError             = "server_error"
	ErrCodeTemporarilyUnavailable  = "temporarily_unavailable"
	ErrCodeLoginRequired           = "login_required"
	ErrCodeConsentRequired         = "consent_required"
	ErrCodeInteractionRequired     = "interaction_required"
	ErrCodeAccountSelectionNeeded  = "account_selection_required"
	ErrCodeInvalidToken            = "invalid_token"
	ErrCodeInsufficientScope       = "insufficient_scope"
	ErrCodeAuthorizationPending    = "authorization_pending"
	ErrCodeSlowDown                = "slow_down"
	ErrCodeExpiredToken            = "expired_token"
	ErrCodeUnmetAuthnRequirements  = "unmet_authentication_requirements"
)

// statusForCode maps each error code to the HTTP status used when the error
// is delivered as a direct response rather than through a redirect.
var statusForCode = map[string]int{
	ErrCodeInvalidRequest:          http.StatusBadRequest,
	ErrCodeInvalidClient:           http.StatusUnauthorized,
	ErrCodeInvalidGrant:            http.StatusBadRequest,
	ErrCodeUnauthorizedClient:      http.StatusBadRequest,
	ErrCodeUnsupportedGrantType:    http.StatusBadRequest,
	ErrCodeInvalidScope:            http.StatusBadRequest,
	ErrCodeAccessDenied:            http.StatusForbidden,
	ErrCodeUnsupportedResponseType: http.StatusBadRequest,
	ErrCodeServerError:             http.StatusInternalServerError,
	ErrCodeTemporarilyUnavailable:  http.StatusServiceUnavailable,
	ErrCodeLoginRequired:           http.StatusBadRequest,
	ErrCodeConsentRequired:         http.StatusBadRequest,
	ErrCodeInteractionRequired:     http.StatusBadRequest,
	ErrCodeAccountSelectionNeeded:  http.StatusBadRequest,
	ErrCodeInvalidToken:            http.StatusUnauthorized,
	ErrCodeInsufficientScope:       http.StatusForbidden,
	ErrCodeAuthorizationPending:    http.StatusBadRequest,
	ErrCodeSlowDown:                http.StatusBadRequest,
	ErrCodeExpiredToken:            http.StatusBadRequest,
	ErrCodeUnmetAuthnRequirements:  http.StatusBadRequest,
}

// Error is the tagged protocol error carried from wherever a request fails up
// to the transport layer, which serializes it as JSON or through the active
// response mode. Handlers return it; they never write it themselves.
type Error struct {
	// Code is the RFC error code, e.g. "invalid_request".
	Code string
	// Description is the human-readable error_description, safe for the wire.
	Description string
	// URI optionally points at documentation for the error.
	URI string
	// Status is the HTTP status for direct (non-redirect) delivery.
	Status int
	// Headers are added to the response, e.g. WWW-Authenticate.
	Headers http.Header
	// State echoes the request's state parameter on redirect delivery.
	State string
}

// NewError builds an Error for a known code. Unknown codes are coerced to
// server_error so a typo cannot smuggle a non-protocol code onto the wire.
func NewError(code, description string) *Error {
	status, ok := statusForCode[code]
	if !ok {
		code = ErrCodeServerError
		status = http.StatusInternalServerError
	}
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is reports whether target is an *Error with the same code, so callers can
// match protocol errors with errors.Is against a bare NewError(code, "").
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// WithState returns a copy carrying the request's state parameter.
func (e *Error) WithState(state string) *Error {
	cp := *e
	cp.State = state
	return &cp
}

// WithDescription returns a copy with the description replaced.
func (e *Error) WithDescription(format string, args ...any) *Error {
	cp := *e
	cp.Description = fmt.Sprintf(format, args...)
	return &cp
}

// WithHeader returns a copy with an additional response header.
func (e *Error) WithHeader(key, value string) *Error {
	cp := *e
	cp.Headers = e.Headers.Clone()
	if cp.Headers == nil {
		cp.Headers = http.Header{}
	}
	cp.Headers.Set(key, value)
	return &cp
}

// MarshalJSON renders the RFC 6749 section 5.2 error document.
func (e *Error) MarshalJSON() ([]byte, error) {
	doc := struct {
		Code        string `json:"error"`
		Description string `json:"error_description,omitempty"`
		URI         string `json:"error_uri,omitempty"`
	}{
		Code:        e.Code,
		Description: e.Description,
		URI:         e.URI,
	}
	return json.Marshal(doc)
}

// Values renders the error as redirect parameters (error, error_description,
// error_uri, state) for the query, fragment, and form_post response modes.
func (e *Error) Values() url.Values {
	v := url.Values{}
	v.Set("error", e.Code)
	if e.Description != "" {
		v.Set("error_description", e.Description)
	}
	if e.URI != "" {
		v.Set("error_uri", e.URI)
	}
	if e.State != "" {
		v.Set("state", e.State)
	}
	return v
}

// AsError extracts a protocol *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var oe *Error
	ok := errors.As(err, &oe)
	return oe, ok
}

// ToError coerces any error into a protocol error. Non-protocol errors become
// server_error with a generic description; internal detail never reaches the
// wire.
func ToError(err error) *Error {
	if oe, ok := AsError(err); ok {
		return oe
	}
	return NewError(ErrCodeServerError, "The authorization server encountered an unexpected condition.")
}

// Convenience constructors for the codes used throughout the engine.

// InvalidRequest builds an invalid_request error.
func InvalidRequest(format string, args ...any) *Error {
	return NewError(ErrCodeInvalidRequest, fmt.Sprintf(format, args...))
}

// InvalidClient builds an invalid_client error.
func InvalidClient(format string, args ...any) *Error {
	return NewError(ErrCodeInvalidClient, fmt.Sprintf(format, args...))
}

// InvalidGrant builds an invalid_grant error.
func InvalidGrant(format string, args ...any) *Error {
	return NewError(ErrCodeInvalidGrant, fmt.Sprintf(format, args...))
}

// UnauthorizedClient builds an unauthorized_client error.
func UnauthorizedClient(format string, args ...any) *Error {
	return NewError(ErrCodeUnauthorizedClient, fmt.Sprintf(format, args...))
}

// UnsupportedGrantType builds an unsupported_grant_type error.
func UnsupportedGrantType(format string, args ...any) *Error {
	return NewError(ErrCodeUnsupportedGrantType, fmt.Sprintf(format, args...))
}

// InvalidScope builds an invalid_scope error.
func InvalidScope(format string, args ...any) *Error {
	return NewError(ErrCodeInvalidScope, fmt.Sprintf(format, args...))
}

// AccessDenied builds an access_denied error.
func AccessDenied(format string, args ...any) *Error {
	return NewError(ErrCodeAccessDenied, fmt.Sprintf(format, args...))
}

// UnsupportedResponseType builds an unsupported_response_type error.
func UnsupportedResponseType(format string, args ...any) *Error {
	return NewError(ErrCodeUnsupportedResponseType, fmt.Sprintf(format, args...))
}

// ServerError builds a server_error with a wire-safe description.
func ServerError(format string, args ...any) *Error {
	return NewError(ErrCodeServerError, fmt.Sprintf(format, args...))
}

// LoginRequired builds a login_required error.
func LoginRequired(format string, args ...any) *Error {
	return NewError(ErrCodeLoginRequired, fmt.Sprintf(format, args...))
}

// ConsentRequired builds a consent_required error.
func ConsentRequired(format string, args ...any) *Error {
	return NewError(ErrCodeConsentRequired, fmt.Sprintf(format, args...))
}

// InvalidToken builds an invalid_token error.
func InvalidToken(format string, args ...any) *Error {
	return NewError(ErrCodeInvalidToken, fmt.Sprintf(format, args...))
}
