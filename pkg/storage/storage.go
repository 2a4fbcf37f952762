// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence ports of the authorization server
// and ships the in-memory reference implementation. Redis and SQLite backends
// live in the redisstore and sqlitestore subpackages.
//
// Stores exclusively own the persisted entities: every Get returns a deep
// copy and every Put stores a deep copy, so callers can never mutate shared
// state through a returned pointer. Relationships between entities are
// expressed by identifier, never by in-memory pointer.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/authserver/pkg/entities"
)

// Sentinel errors returned by store implementations. Callers match them with
// errors.Is; implementations wrap them with detail.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a unique key collision on create.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConflict indicates a compare-and-set update lost a race.
	ErrConflict = errors.New("concurrent modification")
	// ErrReplayed indicates a client assertion jti was presented twice.
	ErrReplayed = errors.New("assertion replayed")
)

// ClientStore persists registered clients.
type ClientStore interface {
	GetClient(ctx context.Context, id string) (*entities.Client, error)
	PutClient(ctx context.Context, client *entities.Client) error
	DeleteClient(ctx context.Context, id string) error
}

// SessionStore persists cookie-bound browser sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*entities.Session, error)
	PutSession(ctx context.Context, session *entities.Session) error
	DeleteSession(ctx context.Context, id string) error
}

// LoginStore persists authentication events. Logins are immutable after
// creation, so the interface has no update beyond the initial Put.
type LoginStore interface {
	GetLogin(ctx context.Context, id string) (*entities.Login, error)
	PutLogin(ctx context.Context, login *entities.Login) error
}

// ConsentStore persists user consents.
type ConsentStore interface {
	GetConsent(ctx context.Context, id string) (*entities.Consent, error)
	PutConsent(ctx context.Context, consent *entities.Consent) error
	DeleteConsent(ctx context.Context, id string) error
	// FindConsent returns the newest unexpired consent for the client and
	// user pair, or ErrNotFound.
	FindConsent(ctx context.Context, clientID, userID string) (*entities.Consent, error)
}

// GrantStore persists in-progress authorizations. Updates use compare-and-set
// on the grant version: two interaction decisions racing on one grant resolve
// with exactly one winner, the loser observing ErrConflict.
type GrantStore interface {
	GetGrant(ctx context.Context, id string) (*entities.Grant, error)
	GetGrantByLoginChallenge(ctx context.Context, challenge string) (*entities.Grant, error)
	GetGrantByConsentChallenge(ctx context.Context, challenge string) (*entities.Grant, error)
	// CreateGrant stores a new grant; the id must be fresh.
	CreateGrant(ctx context.Context, grant *entities.Grant) error
	// UpdateGrant stores the grant iff the persisted version still equals
	// grant.Version, then increments it. Returns ErrConflict on a lost race.
	UpdateGrant(ctx context.Context, grant *entities.Grant) error
	DeleteGrant(ctx context.Context, id string) error
}

// AuthorizationCodeStore persists single-use authorization codes.
type AuthorizationCodeStore interface {
	GetAuthorizationCode(ctx context.Context, code string) (*entities.AuthorizationCode, error)
	PutAuthorizationCode(ctx context.Context, code *entities.AuthorizationCode) error
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// AccessTokenStore persists opaque access tokens.
type AccessTokenStore interface {
	GetAccessToken(ctx context.Context, token string) (*entities.AccessToken, error)
	PutAccessToken(ctx context.Context, token *entities.AccessToken) error
	// RevokeAccessTokensForRefreshToken marks every access token descending
	// from the given refresh token as revoked. Used for cascade revocation.
	RevokeAccessTokensForRefreshToken(ctx context.Context, refreshToken string) error
}

// RefreshTokenStore persists refresh tokens and their rotation chains.
type RefreshTokenStore interface {
	GetRefreshToken(ctx context.Context, token string) (*entities.RefreshToken, error)
	PutRefreshToken(ctx context.Context, token *entities.RefreshToken) error
	// ListRefreshTokenChain returns every token sharing the rotation chain,
	// oldest first. Replay detection revokes all of them.
	ListRefreshTokenChain(ctx context.Context, chainID string) ([]*entities.RefreshToken, error)
}

// DeviceCodeStore persists device authorization pairs.
type DeviceCodeStore interface {
	GetDeviceCode(ctx context.Context, deviceCode string) (*entities.DeviceCode, error)
	GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*entities.DeviceCode, error)
	PutDeviceCode(ctx context.Context, code *entities.DeviceCode) error
	DeleteDeviceCode(ctx context.Context, deviceCode string) error
}

// LogoutTicketStore persists in-progress RP-initiated logouts.
type LogoutTicketStore interface {
	GetLogoutTicket(ctx context.Context, challenge string) (*entities.LogoutTicket, error)
	PutLogoutTicket(ctx context.Context, ticket *entities.LogoutTicket) error
	DeleteLogoutTicket(ctx context.Context, challenge string) error
}

// ReplayStore remembers client assertion jti values until they expire, so a
// captured assertion cannot be presented twice (RFC 7523 section 3).
type ReplayStore interface {
	// CheckAndStoreJTI records the jti. Returns ErrReplayed when the jti
	// was already seen and has not yet expired.
	CheckAndStoreJTI(ctx context.Context, jti string, expiresAt time.Time) error
}

// Store is the full persistence surface the server composes over. A single
// backend implements all of it; the server only ever depends on the narrow
// sub-interfaces.
type Store interface {
	ClientStore
	SessionStore
	LoginStore
	ConsentStore
	GrantStore
	AuthorizationCodeStore
	AccessTokenStore
	RefreshTokenStore
	DeviceCodeStore
	LogoutTicketStore
	ReplayStore

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error
	// PurgeExpired removes records whose lifetime elapsed before now.
	// Backends without self-expiring records use this from the server's
	// background purge ticker.
	PurgeExpired(ctx context.Context, now time.Time) error
	// Close releases backend resources.
	Close() error
}
