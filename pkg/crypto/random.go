// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// userCodeAlphabet is the character set for device flow user codes.
// Consonants only, so no real words can be formed and visually
// ambiguous characters (0/O, 1/I) never appear (RFC 8628 Section 6.1).
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// NewOpaqueToken returns a 256-bit random string in unpadded base64url
// form, suitable for authorization codes, opaque access and refresh
// tokens, device codes, and interaction challenges.
func NewOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewUserCode returns a device flow user_code: eight characters from
// userCodeAlphabet grouped as XXXX-XXXX for easier transcription.
func NewUserCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate user code: %w", err)
	}
	code := make([]byte, 0, 9)
	for i, v := range b {
		if i == 4 {
			code = append(code, '-')
		}
		code = append(code, userCodeAlphabet[int(v)%len(userCodeAlphabet)])
	}
	return string(code), nil
}

// FormatUserCode renders a normalized user code for display, grouped as
// XXXX-XXXX. Codes of unexpected length are returned unchanged.
func FormatUserCode(normalized string) string {
	if len(normalized) != 8 {
		return normalized
	}
	return normalized[:4] + "-" + normalized[4:]
}

// NormalizeUserCode uppercases a user-typed code and strips separators
// and whitespace so "bcdf-ghjk" and "BCDF GHJK" both match BCDFGHJK.
func NormalizeUserCode(input string) string {
	out := make([]byte, 0, len(input))
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-('a'-'A'))
		case c >= 'A' && c <= 'Z':
			out = append(out, c)
		}
	}
	return string(out)
}
