// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchRedirectURI(t *testing.T) {
	t.Parallel()

	registered := []string{
		"https://rp.example.com/cb",
		"https://rp.example.com/cb2",
	}

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		got, err := MatchRedirectURI(registered, "https://rp.example.com/cb")
		require.NoError(t, err)
		assert.Equal(t, "https://rp.example.com/cb", got)
	})

	t.Run("no prefix matching", func(t *testing.T) {
		t.Parallel()
		_, err := MatchRedirectURI(registered, "https://rp.example.com/cb/extra")
		require.Error(t, err)
	})

	t.Run("no case folding", func(t *testing.T) {
		t.Parallel()
		_, err := MatchRedirectURI(registered, "https://RP.example.com/cb")
		require.Error(t, err)
	})

	t.Run("trailing slash is a different URI", func(t *testing.T) {
		t.Parallel()
		_, err := MatchRedirectURI(registered, "https://rp.example.com/cb/")
		require.Error(t, err)
	})

	t.Run("absent defaults to sole registration", func(t *testing.T) {
		t.Parallel()
		got, err := MatchRedirectURI([]string{"https://only.example.com/cb"}, "")
		require.NoError(t, err)
		assert.Equal(t, "https://only.example.com/cb", got)
	})

	t.Run("absent with multiple registrations fails", func(t *testing.T) {
		t.Parallel()
		_, err := MatchRedirectURI(registered, "")
		require.Error(t, err)
	})
}

func TestValidateRedirectURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		uri     string
		appType string
		wantErr bool
	}{
		{"https web", "https://rp.example.com/cb", ApplicationTypeWeb, false},
		{"http web", "http://rp.example.com/cb", ApplicationTypeWeb, true},
		{"http localhost web", "http://localhost:8080/cb", ApplicationTypeWeb, false},
		{"relative", "/cb", ApplicationTypeWeb, true},
		{"fragment", "https://rp.example.com/cb#frag", ApplicationTypeWeb, true},
		{"native custom scheme", "com.example.app:/cb", ApplicationTypeNative, false},
		{"native https", "https://rp.example.com/cb", ApplicationTypeNative, true},
		{"native loopback http", "http://127.0.0.1:9999/cb", ApplicationTypeNative, false},
		{"native remote http", "http://rp.example.com/cb", ApplicationTypeNative, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateRedirectURI(tt.uri, tt.appType)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
