// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authserver/pkg/entities"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(WithCleanupInterval(time.Hour))
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestMemoryStore_ClientRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	client := &entities.Client{
		ID:           "client-1",
		Secret:       "s3cret",
		RedirectURIs: []string{"https://rp.example.com/cb"},
		GrantTypes:   []string{"authorization_code"},
	}
	require.NoError(t, s.PutClient(ctx, client))

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, client.ID, got.ID)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)

	// Mutating the returned copy must not leak into the store.
	got.RedirectURIs[0] = "https://evil.example.com"
	again, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "https://rp.example.com/cb", again.RedirectURIs[0])

	_, err = s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteClient(ctx, "client-1"))
	assert.ErrorIs(t, s.DeleteClient(ctx, "client-1"), ErrNotFound)
}

func TestMemoryStore_GrantCompareAndSet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	grant := &entities.Grant{
		ID:               "grant-1",
		LoginChallenge:   "lc-1",
		ConsentChallenge: "cc-1",
		ClientID:         "client-1",
		ExpiresAt:        time.Now().Add(5 * time.Minute),
	}
	require.NoError(t, s.CreateGrant(ctx, grant))
	assert.ErrorIs(t, s.CreateGrant(ctx, grant), ErrAlreadyExists)

	// Two readers race on the same version.
	a, err := s.GetGrant(ctx, "grant-1")
	require.NoError(t, err)
	b, err := s.GetGrant(ctx, "grant-1")
	require.NoError(t, err)

	a.RecordInteraction(entities.InteractionLogin)
	require.NoError(t, s.UpdateGrant(ctx, a))

	b.RecordInteraction(entities.InteractionConsent)
	err = s.UpdateGrant(ctx, b)
	assert.ErrorIs(t, err, ErrConflict)

	// The winner's write is visible; the loser's is not.
	got, err := s.GetGrant(ctx, "grant-1")
	require.NoError(t, err)
	assert.Equal(t, []string{entities.InteractionLogin}, got.Interactions)
	assert.Equal(t, int64(1), got.Version)
}

func TestMemoryStore_GrantChallengeLookup(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	grant := &entities.Grant{
		ID:               "grant-2",
		LoginChallenge:   "login-chal",
		ConsentChallenge: "consent-chal",
		ExpiresAt:        time.Now().Add(5 * time.Minute),
	}
	require.NoError(t, s.CreateGrant(ctx, grant))

	byLogin, err := s.GetGrantByLoginChallenge(ctx, "login-chal")
	require.NoError(t, err)
	assert.Equal(t, "grant-2", byLogin.ID)

	byConsent, err := s.GetGrantByConsentChallenge(ctx, "consent-chal")
	require.NoError(t, err)
	assert.Equal(t, "grant-2", byConsent.ID)

	require.NoError(t, s.DeleteGrant(ctx, "grant-2"))
	_, err = s.GetGrantByLoginChallenge(ctx, "login-chal")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_FindConsentPicksNewest(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := &entities.Consent{
		ID: "c-old", ClientID: "client", UserID: "user",
		Scopes:    []string{"openid"},
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(time.Hour),
	}
	newer := &entities.Consent{
		ID: "c-new", ClientID: "client", UserID: "user",
		Scopes:    []string{"openid", "email"},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	expired := &entities.Consent{
		ID: "c-expired", ClientID: "client", UserID: "user",
		CreatedAt: now.Add(time.Minute),
		ExpiresAt: now.Add(-time.Minute),
	}
	require.NoError(t, s.PutConsent(ctx, old))
	require.NoError(t, s.PutConsent(ctx, newer))
	require.NoError(t, s.PutConsent(ctx, expired))

	got, err := s.FindConsent(ctx, "client", "user")
	require.NoError(t, err)
	assert.Equal(t, "c-new", got.ID)

	_, err = s.FindConsent(ctx, "client", "someone-else")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RefreshTokenChain(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, tok := range []string{"rt-1", "rt-2", "rt-3"} {
		require.NoError(t, s.PutRefreshToken(ctx, &entities.RefreshToken{
			Token:      tok,
			ChainID:    "chain-a",
			ValidAfter: now.Add(time.Duration(i) * time.Minute),
			ExpiresAt:  now.Add(time.Hour),
		}))
	}
	require.NoError(t, s.PutRefreshToken(ctx, &entities.RefreshToken{
		Token: "rt-other", ChainID: "chain-b", ExpiresAt: now.Add(time.Hour),
	}))

	chain, err := s.ListRefreshTokenChain(ctx, "chain-a")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "rt-1", chain[0].Token)
	assert.Equal(t, "rt-3", chain[2].Token)
}

func TestMemoryStore_RevokeAccessTokensForRefreshToken(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	require.NoError(t, s.PutAccessToken(ctx, &entities.AccessToken{
		Token: "at-1", RefreshTokenID: "rt-1", ExpiresAt: exp,
	}))
	require.NoError(t, s.PutAccessToken(ctx, &entities.AccessToken{
		Token: "at-2", RefreshTokenID: "rt-1", ExpiresAt: exp,
	}))
	require.NoError(t, s.PutAccessToken(ctx, &entities.AccessToken{
		Token: "at-3", RefreshTokenID: "rt-2", ExpiresAt: exp,
	}))

	require.NoError(t, s.RevokeAccessTokensForRefreshToken(ctx, "rt-1"))

	for tok, wantRevoked := range map[string]bool{"at-1": true, "at-2": true, "at-3": false} {
		got, err := s.GetAccessToken(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, wantRevoked, got.Revoked, tok)
	}
}

func TestMemoryStore_DeviceCodeUserCodeIndex(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutDeviceCode(ctx, &entities.DeviceCode{
		DeviceCode: "dc-1",
		UserCode:   "BCDFGHJK",
		ExpiresAt:  time.Now().Add(10 * time.Minute),
	}))

	got, err := s.GetDeviceCodeByUserCode(ctx, "BCDFGHJK")
	require.NoError(t, err)
	assert.Equal(t, "dc-1", got.DeviceCode)

	require.NoError(t, s.DeleteDeviceCode(ctx, "dc-1"))
	_, err = s.GetDeviceCodeByUserCode(ctx, "BCDFGHJK")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_JTIReplay(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CheckAndStoreJTI(ctx, "jti-1", time.Now().Add(time.Minute)))
	assert.ErrorIs(t, s.CheckAndStoreJTI(ctx, "jti-1", time.Now().Add(time.Minute)), ErrReplayed)

	// An expired jti may be reused.
	require.NoError(t, s.CheckAndStoreJTI(ctx, "jti-2", time.Now().Add(-time.Minute)))
	require.NoError(t, s.CheckAndStoreJTI(ctx, "jti-2", time.Now().Add(time.Minute)))
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutSession(ctx, &entities.Session{ID: "live", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.PutSession(ctx, &entities.Session{ID: "dead", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, s.CreateGrant(ctx, &entities.Grant{
		ID: "dead-grant", LoginChallenge: "lc", ConsentChallenge: "cc",
		ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, s.PutAuthorizationCode(ctx, &entities.AuthorizationCode{
		Code: "dead-code", ExpiresAt: now.Add(-time.Minute),
	}))

	require.NoError(t, s.PurgeExpired(ctx, now))

	stats := s.Stats()
	assert.Equal(t, 1, stats["sessions"])
	assert.Equal(t, 0, stats["grants"])
	assert.Equal(t, 0, stats["auth_codes"])

	// Challenge indexes are cleaned with the grant.
	_, err := s.GetGrantByLoginChallenge(ctx, "lc")
	assert.ErrorIs(t, err, ErrNotFound)
}
