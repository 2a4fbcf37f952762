// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"encoding/base64"
	"regexp"
	"strings"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCEVerifier(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()

	// RFC 7636: code_verifier must be 43-128 characters
	assert.GreaterOrEqual(t, len(verifier), 43)
	assert.LessOrEqual(t, len(verifier), 128)
	assert.NoError(t, ValidateVerifier(verifier))
}

func TestComputeS256Challenge_RFC7636Example(t *testing.T) {
	t.Parallel()

	// RFC 7636 Appendix B example
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	expected := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, expected, ComputeS256Challenge(verifier))
}

func TestValidateVerifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		verifier string
		wantErr  string
	}{
		{
			name:     "minimum length",
			verifier: strings.Repeat("a", 43),
		},
		{
			name:     "maximum length",
			verifier: strings.Repeat("a", 128),
		},
		{
			name:     "all unreserved punctuation",
			verifier: strings.Repeat("a", 39) + "-._~",
		},
		{
			name:     "too short",
			verifier: strings.Repeat("a", 42),
			wantErr:  "between 43 and 128",
		},
		{
			name:     "too long",
			verifier: strings.Repeat("a", 129),
			wantErr:  "between 43 and 128",
		},
		{
			name:     "reserved character",
			verifier: strings.Repeat("a", 42) + "+",
			wantErr:  "outside the unreserved set",
		},
		{
			name:     "whitespace",
			verifier: strings.Repeat("a", 21) + " " + strings.Repeat("a", 21),
			wantErr:  "outside the unreserved set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateVerifier(tt.verifier)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestSecretsEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, SecretsEqual("s3cret", "s3cret"))
	assert.False(t, SecretsEqual("s3cret", "s3cres"))
	assert.False(t, SecretsEqual("s3cret", "s3cret-with-suffix"))
	assert.False(t, SecretsEqual("", "s3cret"))
	assert.True(t, SecretsEqual("", ""))
}

func TestBearerTokenHashing(t *testing.T) {
	t.Parallel()

	hash, err := HashBearerToken("reg-token-123")
	require.NoError(t, err)
	assert.NotEqual(t, "reg-token-123", hash)

	assert.True(t, VerifyBearerToken(hash, "reg-token-123"))
	assert.False(t, VerifyBearerToken(hash, "reg-token-124"))
	assert.False(t, VerifyBearerToken("not-a-hash", "reg-token-123"))
}

func TestNewOpaqueToken(t *testing.T) {
	t.Parallel()

	a, err := NewOpaqueToken()
	require.NoError(t, err)
	b, err := NewOpaqueToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)

	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestNewUserCode(t *testing.T) {
	t.Parallel()

	format := regexp.MustCompile(`^[BCDFGHJKLMNPQRSTVWXZ]{4}-[BCDFGHJKLMNPQRSTVWXZ]{4}$`)

	code, err := NewUserCode()
	require.NoError(t, err)
	assert.Regexp(t, format, code)
}

func TestNormalizeUserCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"BCDF-GHJK", "BCDFGHJK"},
		{"bcdf-ghjk", "BCDFGHJK"},
		{" bcdf ghjk ", "BCDFGHJK"},
		{"BCDFGHJK", "BCDFGHJK"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeUserCode(tt.input), "input %q", tt.input)
	}
}

func TestPairwiseSubject(t *testing.T) {
	t.Parallel()

	key := []byte("0123456789abcdef-extra-key-material")

	sub1, err := PairwiseSubject(key, "https://rp.example.com", "user-1", "salt-a", 64)
	require.NoError(t, err)
	sub2, err := PairwiseSubject(key, "https://rp.example.com", "user-1", "salt-a", 64)
	require.NoError(t, err)
	assert.Equal(t, sub1, sub2, "derivation must be deterministic")

	otherUser, err := PairwiseSubject(key, "https://rp.example.com", "user-2", "salt-a", 64)
	require.NoError(t, err)
	assert.NotEqual(t, sub1, otherUser)

	otherSector, err := PairwiseSubject(key, "https://other.example.com", "user-1", "salt-a", 64)
	require.NoError(t, err)
	assert.NotEqual(t, sub1, otherSector)

	otherSalt, err := PairwiseSubject(key, "https://rp.example.com", "user-1", "salt-b", 64)
	require.NoError(t, err)
	assert.NotEqual(t, sub1, otherSalt)

	// The encoded value must be opaque base64url over whole cipher blocks.
	raw, err := base64.RawURLEncoding.DecodeString(sub1)
	require.NoError(t, err)
	assert.Zero(t, len(raw)%16)
}

func TestPairwiseSubject_Errors(t *testing.T) {
	t.Parallel()

	_, err := PairwiseSubject([]byte("short"), "sector", "user", "salt", 64)
	assert.ErrorContains(t, err, "at least 16 bytes")

	_, err = PairwiseSubject([]byte("0123456789abcdef"), "sector", strings.Repeat("u", 65), "salt", 64)
	assert.ErrorContains(t, err, "exceeds the configured maximum")
}

func TestPairwiseSubject_DefaultPadding(t *testing.T) {
	t.Parallel()

	key := []byte("0123456789abcdef")

	explicit, err := PairwiseSubject(key, "sector", "user", "salt", DefaultMaxLocalSubjectLength)
	require.NoError(t, err)
	defaulted, err := PairwiseSubject(key, "sector", "user", "salt", 0)
	require.NoError(t, err)

	assert.Equal(t, explicit, defaulted)
}

func TestTokenHash(t *testing.T) {
	t.Parallel()

	// base64url(SHA-256(token)[0:16]) for the access token from OIDC Core
	// Appendix A.3. The figure printed in the appendix predates the errata
	// and does not match its own input; the recomputed value does.
	hash, err := TokenHash(jose.RS256, "jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KsoU")
	require.NoError(t, err)
	assert.Equal(t, "J3LYyudHJq8cT9TqMhc0cw", hash)
}

func TestTokenHash_Widths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		alg      jose.SignatureAlgorithm
		wantBits int
	}{
		{jose.RS256, 128},
		{jose.ES256, 128},
		{jose.PS384, 192},
		{jose.RS512, 256},
		{jose.EdDSA, 256},
	}

	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			t.Parallel()

			hash, err := TokenHash(tt.alg, "some-token")
			require.NoError(t, err)

			raw, err := base64.RawURLEncoding.DecodeString(hash)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBits/8, len(raw))
		})
	}
}

func TestTokenHash_UnknownAlgorithm(t *testing.T) {
	t.Parallel()

	_, err := TokenHash(jose.SignatureAlgorithm("none"), "token")
	assert.ErrorContains(t, err, "no token hash defined")
}

func TestPKCS7Pad(t *testing.T) {
	t.Parallel()

	padded := pkcs7Pad([]byte("abc"), 16)
	assert.Len(t, padded, 16)
	assert.Equal(t, byte(13), padded[15])

	// Aligned input still gains a full block.
	aligned := pkcs7Pad(make([]byte, 16), 16)
	assert.Len(t, aligned, 32)
	assert.Equal(t, byte(16), aligned[31])
}
