// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Scopes
	}{
		{"empty", "", nil},
		{"single", "openid", Scopes{"openid"}},
		{"ordered", "openid profile email", Scopes{"openid", "profile", "email"}},
		{"duplicates collapse", "openid profile openid", Scopes{"openid", "profile"}},
		{"extra whitespace", "  openid   profile  ", Scopes{"openid", "profile"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseScopes(tt.raw))
		})
	}
}

func TestScopes_StringPreservesOrder(t *testing.T) {
	t.Parallel()

	s := ParseScopes("profile openid email")
	assert.Equal(t, "profile openid email", s.String())
}

func TestScopes_SetOperations(t *testing.T) {
	t.Parallel()

	s := Scopes{"openid", "profile"}
	assert.True(t, s.Contains("openid"))
	assert.False(t, s.Contains("email"))
	assert.True(t, s.HasOpenID())
	assert.True(t, s.SubsetOf(Scopes{"openid", "profile", "email"}))
	assert.False(t, s.SubsetOf(Scopes{"openid"}))
	assert.Equal(t, Scopes{"profile"}, s.Intersect(Scopes{"profile", "email"}))
}

func TestScopes_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	s := Scopes{"openid", "profile"}
	c := s.Clone()
	c[0] = "changed"
	assert.Equal(t, "openid", s[0])
}

func TestAllowScopes(t *testing.T) {
	t.Parallel()

	clientScopes := Scopes{"openid", "profile", "email"}

	t.Run("strict rejects unknown scope", func(t *testing.T) {
		t.Parallel()
		_, err := AllowScopes(Scopes{"openid", "admin"}, clientScopes, false)
		require.Error(t, err)
		assert.True(t, errors.Is(err, NewError(ErrCodeInvalidScope, "")))
	})

	t.Run("strict passes subset through", func(t *testing.T) {
		t.Parallel()
		got, err := AllowScopes(Scopes{"email", "openid"}, clientScopes, false)
		require.NoError(t, err)
		assert.Equal(t, Scopes{"email", "openid"}, got)
	})

	t.Run("permissive narrows silently", func(t *testing.T) {
		t.Parallel()
		got, err := AllowScopes(Scopes{"openid", "admin", "profile"}, clientScopes, true)
		require.NoError(t, err)
		assert.Equal(t, Scopes{"openid", "profile"}, got)
	})
}
