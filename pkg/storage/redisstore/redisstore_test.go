// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(client, "test:")
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s, mr
}

func TestNew_RequiresAddress(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	_, err = New(context.Background(), Config{Sentinel: &SentinelConfig{}})
	require.Error(t, err)
}

func TestNew_ConnectsAndPings(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	s, err := New(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	require.NoError(t, s.Health(context.Background()))
	assert.Equal(t, DefaultKeyPrefix, s.prefix)
}

func TestNew_UnreachableServer(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Config{Addr: addr})
	require.Error(t, err)
}

func TestRedisStore_ClientRoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
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

	_, err = s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.DeleteClient(ctx, "client-1"))
	assert.ErrorIs(t, s.DeleteClient(ctx, "client-1"), storage.ErrNotFound)
}

func TestRedisStore_KeyPrefixIsolation(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := NewWithClient(client, "tenant-a:")
	b := NewWithClient(client, "tenant-b:")
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	ctx := context.Background()

	require.NoError(t, a.PutClient(ctx, &entities.Client{ID: "shared-id"}))

	_, err := b.GetClient(ctx, "shared-id")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := a.GetClient(ctx, "shared-id")
	require.NoError(t, err)
	assert.Equal(t, "shared-id", got.ID)
}

func TestRedisStore_RecordsExpire(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, &entities.Session{
		ID:        "sess-1",
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	_, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = s.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedisStore_GrantCompareAndSet(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	grant := &entities.Grant{
		ID:               "grant-1",
		LoginChallenge:   "lc-1",
		ConsentChallenge: "cc-1",
		ClientID:         "client-1",
		ExpiresAt:        time.Now().Add(5 * time.Minute),
	}
	require.NoError(t, s.CreateGrant(ctx, grant))
	assert.ErrorIs(t, s.CreateGrant(ctx, grant), storage.ErrAlreadyExists)

	// Two readers race on the same version.
	a, err := s.GetGrant(ctx, "grant-1")
	require.NoError(t, err)
	b, err := s.GetGrant(ctx, "grant-1")
	require.NoError(t, err)

	a.RecordInteraction(entities.InteractionLogin)
	require.NoError(t, s.UpdateGrant(ctx, a))
	assert.Equal(t, int64(1), a.Version, "winner's copy tracks the stored version")

	b.RecordInteraction(entities.InteractionConsent)
	err = s.UpdateGrant(ctx, b)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// The winner's write is visible; the loser's is not.
	got, err := s.GetGrant(ctx, "grant-1")
	require.NoError(t, err)
	assert.Equal(t, []string{entities.InteractionLogin}, got.Interactions)
	assert.Equal(t, int64(1), got.Version)

	err = s.UpdateGrant(ctx, &entities.Grant{ID: "missing", ExpiresAt: grant.ExpiresAt})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedisStore_GrantChallengeLookup(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
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
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetGrantByConsentChallenge(ctx, "consent-chal")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedisStore_FindConsentPicksNewest(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
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
	require.NoError(t, s.PutConsent(ctx, old))
	require.NoError(t, s.PutConsent(ctx, newer))

	got, err := s.FindConsent(ctx, "client", "user")
	require.NoError(t, err)
	assert.Equal(t, "c-new", got.ID)

	_, err = s.FindConsent(ctx, "client", "someone-else")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedisStore_FindConsentSweepsExpiredMembers(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutConsent(ctx, &entities.Consent{
		ID: "c-short", ClientID: "client", UserID: "user",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}))
	require.NoError(t, s.PutConsent(ctx, &entities.Consent{
		ID: "c-long", ClientID: "client", UserID: "user",
		CreatedAt: now.Add(-time.Second),
		ExpiresAt: now.Add(time.Hour),
	}))

	// The short consent expires out of Redis; the lookup falls back to the
	// surviving one and drops the stale index member.
	mr.FastForward(2 * time.Minute)

	got, err := s.FindConsent(ctx, "client", "user")
	require.NoError(t, err)
	assert.Equal(t, "c-long", got.ID)
}

func TestRedisStore_RefreshTokenChain(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
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

	empty, err := s.ListRefreshTokenChain(ctx, "chain-none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisStore_RevokeAccessTokensForRefreshToken(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
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

func TestRedisStore_DeviceCodeUserCodeIndex(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
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
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedisStore_AuthorizationCodeRoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	code := &entities.AuthorizationCode{
		Code:      "ac-1",
		ClientID:  "client-1",
		UserID:    "user-1",
		Scopes:    []string{"openid"},
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, s.PutAuthorizationCode(ctx, code))

	got, err := s.GetAuthorizationCode(ctx, "ac-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	// Redeeming marks and rewrites the record in place.
	got.Revoked = true
	require.NoError(t, s.PutAuthorizationCode(ctx, got))
	again, err := s.GetAuthorizationCode(ctx, "ac-1")
	require.NoError(t, err)
	assert.True(t, again.Revoked)

	require.NoError(t, s.DeleteAuthorizationCode(ctx, "ac-1"))
	_, err = s.GetAuthorizationCode(ctx, "ac-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedisStore_LogoutTicketRoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutLogoutTicket(ctx, &entities.LogoutTicket{
		ID:              "lt-1",
		LogoutChallenge: "logout-chal",
		SessionID:       "sess-1",
		ExpiresAt:       time.Now().Add(time.Minute),
	}))

	got, err := s.GetLogoutTicket(ctx, "logout-chal")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)

	require.NoError(t, s.DeleteLogoutTicket(ctx, "logout-chal"))
	_, err = s.GetLogoutTicket(ctx, "logout-chal")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedisStore_JTIReplay(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CheckAndStoreJTI(ctx, "jti-1", time.Now().Add(time.Minute)))
	assert.ErrorIs(t, s.CheckAndStoreJTI(ctx, "jti-1", time.Now().Add(time.Minute)), storage.ErrReplayed)

	// An expired jti may be reused.
	require.NoError(t, s.CheckAndStoreJTI(ctx, "jti-2", time.Now().Add(-time.Minute)))
	require.NoError(t, s.CheckAndStoreJTI(ctx, "jti-2", time.Now().Add(time.Minute)))

	// The replay window closes with the assertion lifetime.
	mr.FastForward(2 * time.Minute)
	require.NoError(t, s.CheckAndStoreJTI(ctx, "jti-1", time.Now().Add(time.Minute)))
}
