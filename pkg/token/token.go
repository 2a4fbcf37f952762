// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token implements the credential services of the authorization
// server: opaque access and refresh tokens, single-use authorization codes,
// device code pairs, and signed ID tokens. Services create records through
// the stores; handlers consume and revoke them.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/authserver/pkg/crypto"
	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// Default credential lifetimes.
const (
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultAuthorizationCodeTTL = time.Minute
	DefaultDeviceCodeTTL        = 10 * time.Minute
	DefaultDevicePollInterval   = 5
)

// AccessTokenService issues and revokes opaque bearer access tokens.
type AccessTokenService struct {
	store storage.AccessTokenStore
	ttl   time.Duration
}

// NewAccessTokenService creates the service. A zero ttl takes the default.
func NewAccessTokenService(store storage.AccessTokenStore, ttl time.Duration) *AccessTokenService {
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	return &AccessTokenService{store: store, ttl: ttl}
}

// TTL returns the configured access token lifetime.
func (s *AccessTokenService) TTL() time.Duration { return s.ttl }

// Issue creates a new access token for the client, optionally bound to a
// user and descending from a refresh token.
func (s *AccessTokenService) Issue(ctx context.Context, clientID, userID string, scopes oauth.Scopes, refreshToken string) (*entities.AccessToken, error) {
	opaque, err := crypto.NewOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	now := time.Now()
	t := &entities.AccessToken{
		Token:          opaque,
		TokenType:      oauth.TokenTypeBearer,
		ClientID:       clientID,
		UserID:         userID,
		Scopes:         scopes.Clone(),
		RefreshTokenID: refreshToken,
		IssuedAt:       now,
		ValidAfter:     now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := s.store.PutAccessToken(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}
	logger.Debugw("issued access token", "client_id", clientID, "scopes", scopes.String())
	return t, nil
}

// Revoke marks the token revoked. Missing tokens are not an error; the
// caller decides how to treat them.
func (s *AccessTokenService) Revoke(ctx context.Context, t *entities.AccessToken) error {
	t.Revoked = true
	if err := s.store.PutAccessToken(ctx, t); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	return nil
}

// RefreshTokenService issues refresh tokens and manages rotation chains.
type RefreshTokenService struct {
	store       storage.RefreshTokenStore
	accessStore storage.AccessTokenStore
	ttl         time.Duration
	rotate      bool
	// cascade revokes dependent access tokens when a chain is revoked.
	cascade bool
}

// NewRefreshTokenService creates the service.
func NewRefreshTokenService(store storage.RefreshTokenStore, accessStore storage.AccessTokenStore, ttl time.Duration, rotate, cascade bool) *RefreshTokenService {
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}
	return &RefreshTokenService{
		store:       store,
		accessStore: accessStore,
		ttl:         ttl,
		rotate:      rotate,
		cascade:     cascade,
	}
}

// RotationEnabled reports whether rotation is configured.
func (s *RefreshTokenService) RotationEnabled() bool { return s.rotate }

// Issue creates the first refresh token of a new rotation chain.
func (s *RefreshTokenService) Issue(ctx context.Context, clientID, userID string, scopes oauth.Scopes) (*entities.RefreshToken, error) {
	opaque, err := crypto.NewOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	now := time.Now()
	t := &entities.RefreshToken{
		Token:      opaque,
		ClientID:   clientID,
		UserID:     userID,
		Scopes:     scopes.Clone(),
		ChainID:    opaque,
		ValidAfter: now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.store.PutRefreshToken(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return t, nil
}

// Rotate marks the old token rotated and issues its successor on the same
// chain. The old record stays in the store until expiry so a replay of it is
// detectable.
func (s *RefreshTokenService) Rotate(ctx context.Context, old *entities.RefreshToken) (*entities.RefreshToken, error) {
	opaque, err := crypto.NewOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	now := time.Now()

	old.Rotated = true
	old.RotatedAt = now
	if err := s.store.PutRefreshToken(ctx, old); err != nil {
		return nil, fmt.Errorf("failed to retire rotated refresh token: %w", err)
	}

	successor := &entities.RefreshToken{
		Token:       opaque,
		ClientID:    old.ClientID,
		UserID:      old.UserID,
		Scopes:      oauth.Scopes(old.Scopes).Clone(),
		ChainID:     old.ChainID,
		RotatedFrom: old.Token,
		ValidAfter:  now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.store.PutRefreshToken(ctx, successor); err != nil {
		return nil, fmt.Errorf("failed to store rotated refresh token: %w", err)
	}
	return successor, nil
}

// RevokeChain revokes every refresh token on the chain and, when cascade is
// configured, every access token descending from any of them. Used both for
// explicit revocation and for replay detection.
func (s *RefreshTokenService) RevokeChain(ctx context.Context, chainID string) error {
	chain, err := s.store.ListRefreshTokenChain(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to list rotation chain: %w", err)
	}
	for _, t := range chain {
		if !t.Revoked {
			t.Revoked = true
			if err := s.store.PutRefreshToken(ctx, t); err != nil {
				return fmt.Errorf("failed to revoke refresh token: %w", err)
			}
		}
		if s.cascade {
			if err := s.accessStore.RevokeAccessTokensForRefreshToken(ctx, t.Token); err != nil {
				return fmt.Errorf("failed to cascade revocation: %w", err)
			}
		}
	}
	logger.Infow("revoked refresh token chain", "chain_size", len(chain), "cascade", s.cascade)
	return nil
}

// Revoke revokes a single refresh token and, when cascade is configured, its
// dependent access tokens.
func (s *RefreshTokenService) Revoke(ctx context.Context, t *entities.RefreshToken) error {
	t.Revoked = true
	if err := s.store.PutRefreshToken(ctx, t); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if s.cascade {
		if err := s.accessStore.RevokeAccessTokensForRefreshToken(ctx, t.Token); err != nil {
			return fmt.Errorf("failed to cascade revocation: %w", err)
		}
	}
	return nil
}

// CodeService issues single-use authorization codes.
type CodeService struct {
	store storage.AuthorizationCodeStore
	ttl   time.Duration
}

// NewCodeService creates the service.
func NewCodeService(store storage.AuthorizationCodeStore, ttl time.Duration) *CodeService {
	if ttl <= 0 {
		ttl = DefaultAuthorizationCodeTTL
	}
	return &CodeService{store: store, ttl: ttl}
}

// IssueParams carries everything an authorization code freezes at issuance.
type IssueParams struct {
	ClientID            string
	UserID              string
	SessionID           string
	LoginID             string
	Scopes              oauth.Scopes
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	State               string
	AuthTime            time.Time
	ACR                 string
	AMR                 []string
	Claims              *oauth.ClaimsRequest
}

// Issue creates a new authorization code record.
func (s *CodeService) Issue(ctx context.Context, p IssueParams) (*entities.AuthorizationCode, error) {
	opaque, err := crypto.NewOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate authorization code: %w", err)
	}
	now := time.Now()
	code := &entities.AuthorizationCode{
		Code:                opaque,
		ClientID:            p.ClientID,
		UserID:              p.UserID,
		SessionID:           p.SessionID,
		LoginID:             p.LoginID,
		Scopes:              p.Scopes.Clone(),
		RedirectURI:         p.RedirectURI,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		Nonce:               p.Nonce,
		State:               p.State,
		AuthTime:            p.AuthTime,
		ACR:                 p.ACR,
		AMR:                 p.AMR,
		Claims:              p.Claims,
		ValidAfter:          now,
		ExpiresAt:           now.Add(s.ttl),
	}
	if err := s.store.PutAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}
	return code, nil
}

// DeviceCodeService issues device authorization pairs.
type DeviceCodeService struct {
	store           storage.DeviceCodeStore
	ttl             time.Duration
	interval        int
	verificationURI string
}

// NewDeviceCodeService creates the service. verificationURI is the absolute
// URL users visit to enter the user code.
func NewDeviceCodeService(store storage.DeviceCodeStore, ttl time.Duration, interval int, verificationURI string) *DeviceCodeService {
	if ttl <= 0 {
		ttl = DefaultDeviceCodeTTL
	}
	if interval <= 0 {
		interval = DefaultDevicePollInterval
	}
	return &DeviceCodeService{
		store:           store,
		ttl:             ttl,
		interval:        interval,
		verificationURI: verificationURI,
	}
}

// VerificationURI returns the configured user-facing verification URL.
func (s *DeviceCodeService) VerificationURI() string { return s.verificationURI }

// TTL returns the device code lifetime.
func (s *DeviceCodeService) TTL() time.Duration { return s.ttl }

// Issue creates a device_code / user_code pair.
func (s *DeviceCodeService) Issue(ctx context.Context, clientID string, scopes oauth.Scopes) (*entities.DeviceCode, error) {
	deviceCode, err := crypto.NewOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device code: %w", err)
	}
	userCode, err := crypto.NewUserCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user code: %w", err)
	}
	now := time.Now()
	d := &entities.DeviceCode{
		DeviceCode: deviceCode,
		UserCode:   crypto.NormalizeUserCode(userCode),
		ClientID:   clientID,
		Scopes:     scopes.Clone(),
		Interval:   s.interval,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.store.PutDeviceCode(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to store device code: %w", err)
	}
	return d, nil
}
