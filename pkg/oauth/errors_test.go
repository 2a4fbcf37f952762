// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code   string
		status int
	}{
		{ErrCodeInvalidRequest, http.StatusBadRequest},
		{ErrCodeInvalidClient, http.StatusUnauthorized},
		{ErrCodeInvalidGrant, http.StatusBadRequest},
		{ErrCodeAccessDenied, http.StatusForbidden},
		{ErrCodeServerError, http.StatusInternalServerError},
		{ErrCodeTemporarilyUnavailable, http.StatusServiceUnavailable},
		{ErrCodeInvalidToken, http.StatusUnauthorized},
		{ErrCodeInsufficientScope, http.StatusForbidden},
		{ErrCodeSlowDown, http.StatusBadRequest},
		{ErrCodeAuthorizationPending, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			t.Parallel()
			err := NewError(tt.code, "desc")
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.status, err.Status)
		})
	}
}

func TestNewError_UnknownCodeBecomesServerError(t *testing.T) {
	t.Parallel()

	err := NewError("made_up_code", "whatever")
	assert.Equal(t, ErrCodeServerError, err.Code)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
}

func TestError_ErrorString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "invalid_request", NewError(ErrCodeInvalidRequest, "").Error())
	assert.Equal(t, "invalid_request: missing client_id",
		NewError(ErrCodeInvalidRequest, "missing client_id").Error())
}

func TestError_IsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", InvalidGrant("code expired"))
	assert.True(t, errors.Is(err, NewError(ErrCodeInvalidGrant, "")))
	assert.False(t, errors.Is(err, NewError(ErrCodeInvalidScope, "")))
}

func TestError_WithHelpersCopy(t *testing.T) {
	t.Parallel()

	base := InvalidRequest("bad")
	withState := base.WithState("xyz")
	withHeader := base.WithHeader("WWW-Authenticate", "Basic")

	assert.Empty(t, base.State)
	assert.Nil(t, base.Headers)
	assert.Equal(t, "xyz", withState.State)
	assert.Equal(t, "Basic", withHeader.Headers.Get("WWW-Authenticate"))
}

func TestError_MarshalJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(InvalidClient("Client authentication failed."))
	require.NoError(t, err)

	var doc map[string]string
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "invalid_client", doc["error"])
	assert.Equal(t, "Client authentication failed.", doc["error_description"])
	_, hasURI := doc["error_uri"]
	assert.False(t, hasURI)
}

func TestError_Values(t *testing.T) {
	t.Parallel()

	v := LoginRequired("no active session").WithState("abc").Values()
	assert.Equal(t, "login_required", v.Get("error"))
	assert.Equal(t, "no active session", v.Get("error_description"))
	assert.Equal(t, "abc", v.Get("state"))
}

func TestToError(t *testing.T) {
	t.Parallel()

	// Protocol errors pass through unchanged, even wrapped.
	oe := InvalidGrant("nope")
	assert.Same(t, oe, ToError(fmt.Errorf("wrap: %w", oe)))

	// Everything else collapses to server_error without leaking detail.
	out := ToError(errors.New("pg: connection refused"))
	assert.Equal(t, ErrCodeServerError, out.Code)
	assert.NotContains(t, out.Description, "pg:")
}
