// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package entities

import (
	"time"

	"github.com/stacklok/authserver/pkg/oauth"
)

// AuthorizationCode is a single-use credential binding an authorization to
// the token exchange that redeems it.
type AuthorizationCode struct {
	Code     string `json:"code"`
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`

	// SessionID and LoginID link back to the authentication event that
	// produced the code, for auth_time/acr/amr ID token claims.
	SessionID string `json:"session_id,omitempty"`
	LoginID   string `json:"login_id,omitempty"`

	Scopes      []string `json:"scopes"`
	RedirectURI string   `json:"redirect_uri"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	Nonce string `json:"nonce,omitempty"`
	State string `json:"state,omitempty"`

	AuthTime time.Time `json:"auth_time"`
	ACR      string    `json:"acr,omitempty"`
	AMR      []string  `json:"amr,omitempty"`

	// Claims carries the request's claims parameter into ID token issuance.
	Claims *oauth.ClaimsRequest `json:"claims,omitempty"`

	ValidAfter time.Time `json:"valid_after"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`

	// Tokens issued from this code. Redeeming a revoked code revokes these.
	IssuedAccessTokens  []string `json:"issued_access_tokens,omitempty"`
	IssuedRefreshTokens []string `json:"issued_refresh_tokens,omitempty"`
}

// Active reports whether the code can still be redeemed.
func (c *AuthorizationCode) Active(now time.Time) bool {
	return !c.Revoked && !now.Before(c.ValidAfter) && now.Before(c.ExpiresAt)
}

// Clone returns a deep copy.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	cp := *c
	cp.Scopes = cloneStrings(c.Scopes)
	cp.AMR = cloneStrings(c.AMR)
	cp.IssuedAccessTokens = cloneStrings(c.IssuedAccessTokens)
	cp.IssuedRefreshTokens = cloneStrings(c.IssuedRefreshTokens)
	return &cp
}

// AccessToken is an opaque bearer credential.
type AccessToken struct {
	Token     string   `json:"token"`
	TokenType string   `json:"token_type"`
	ClientID  string   `json:"client_id"`
	UserID    string   `json:"user_id,omitempty"`
	Scopes    []string `json:"scopes"`

	// RefreshTokenID points at the refresh token this access token descends
	// from, so refresh revocation can cascade.
	RefreshTokenID string `json:"refresh_token_id,omitempty"`

	IssuedAt   time.Time `json:"issued_at"`
	ValidAfter time.Time `json:"valid_after"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
}

// Active reports whether the token is within its validity window and not
// revoked.
func (t *AccessToken) Active(now time.Time) bool {
	return !t.Revoked && !now.Before(t.ValidAfter) && now.Before(t.ExpiresAt)
}

// Clone returns a deep copy.
func (t *AccessToken) Clone() *AccessToken {
	cp := *t
	cp.Scopes = cloneStrings(t.Scopes)
	return &cp
}

// RefreshToken is a long-lived credential exchangeable for fresh access
// tokens. Rotation links successors through ChainID; using a rotated token is
// replay and revokes the entire chain.
type RefreshToken struct {
	Token    string   `json:"token"`
	ClientID string   `json:"client_id"`
	UserID   string   `json:"user_id"`
	Scopes   []string `json:"scopes"`

	// ChainID identifies the rotation family. The first token of a chain
	// uses its own value; every rotation inherits it.
	ChainID string `json:"chain_id"`
	// RotatedFrom is the predecessor token, if any.
	RotatedFrom string `json:"rotated_from,omitempty"`
	// Rotated marks a token that was already exchanged for a successor.
	// The record stays in the store until expiry so replay is detectable.
	Rotated   bool      `json:"rotated"`
	RotatedAt time.Time `json:"rotated_at"`

	ValidAfter time.Time `json:"valid_after"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
}

// Active reports whether the token may be exchanged: in its validity window,
// not revoked, and not already rotated away.
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && !t.Rotated && !now.Before(t.ValidAfter) && now.Before(t.ExpiresAt)
}

// Clone returns a deep copy.
func (t *RefreshToken) Clone() *RefreshToken {
	cp := *t
	cp.Scopes = cloneStrings(t.Scopes)
	return &cp
}
