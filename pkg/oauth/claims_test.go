// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClaimsParameter(t *testing.T) {
	t.Parallel()

	t.Run("empty yields nil", func(t *testing.T) {
		t.Parallel()
		got, err := ParseClaimsParameter("")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("full document", func(t *testing.T) {
		t.Parallel()
		raw := `{
			"userinfo": {
				"given_name": {"essential": true},
				"nickname": null,
				"email": {"essential": true},
				"picture": null
			},
			"id_token": {
				"auth_time": {"essential": true},
				"acr": {"values": ["urn:mace:incommon:iap:silver"]}
			}
		}`
		got, err := ParseClaimsParameter(raw)
		require.NoError(t, err)
		require.NotNil(t, got)

		assert.True(t, got.Userinfo["given_name"].Essential)
		assert.False(t, got.Userinfo["nickname"].Essential)
		assert.Contains(t, got.Userinfo, "picture")
		assert.True(t, got.IDToken["auth_time"].Essential)
		require.Len(t, got.IDToken["acr"].Values, 1)
		assert.Equal(t, "urn:mace:incommon:iap:silver", got.IDToken["acr"].Values[0])
	})

	t.Run("value constraint", func(t *testing.T) {
		t.Parallel()
		got, err := ParseClaimsParameter(`{"id_token":{"sub":{"value":"user-248289"}}}`)
		require.NoError(t, err)
		assert.Equal(t, "user-248289", got.IDToken["sub"].Value)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		t.Parallel()
		_, err := ParseClaimsParameter(`{"userinfo": {`)
		require.Error(t, err)
		assert.Equal(t, ErrCodeInvalidRequest, ToError(err).Code)
	})

	t.Run("non-object top level", func(t *testing.T) {
		t.Parallel()
		_, err := ParseClaimsParameter(`["userinfo"]`)
		require.Error(t, err)
	})

	t.Run("non-object member spec", func(t *testing.T) {
		t.Parallel()
		_, err := ParseClaimsParameter(`{"userinfo":{"email":"yes"}}`)
		require.Error(t, err)
	})
}

func TestClaimsForScopes(t *testing.T) {
	t.Parallel()

	claims := ClaimsForScopes(Scopes{"openid", "email", "phone"})
	assert.Contains(t, claims, "email")
	assert.Contains(t, claims, "email_verified")
	assert.Contains(t, claims, "phone_number")
	assert.NotContains(t, claims, "name")

	assert.Nil(t, ClaimsForScopes(Scopes{"openid"}))
}
