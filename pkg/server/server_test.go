// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/keys"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
	"github.com/stacklok/authserver/pkg/strategy"
	"github.com/stacklok/authserver/pkg/users"
)

type testServer struct {
	*Server
	url   string
	store *storage.MemoryStore
	users *users.MemoryService
	user  *users.User
}

// newTestServer runs a composed server behind httptest. The issuer must
// match the listener URL, so the listener starts first with an indirection.
func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	store := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	userSvc := users.NewMemoryService()
	user, err := userSvc.CreateUser(context.Background(), "peter", "secret",
		map[string]any{"email": "peter@example.com"})
	require.NoError(t, err)

	cfg := Config{
		Issuer: ts.URL,
		Scopes: []string{"openid", "email", "profile", "offline_access"},
		Strategies: strategy.Lists{
			GrantTypes: []string{
				oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken,
				oauth.GrantTypeClientCredentials, oauth.GrantTypePassword,
			},
		},
		Interaction: InteractionURLs{
			Login:   "https://ui.example.com/login",
			Consent: "https://ui.example.com/consent",
			Error:   "https://ui.example.com/error",
		},
		Keys:          keys.NewGeneratingProvider("ES256"),
		SecretKey:     []byte("0123456789abcdef0123456789abcdef"),
		SecureCookies: boolPtr(false),
		PurgeInterval: -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(context.Background(), cfg, store, userSvc)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, srv.Close()) })
	handler = srv.Handler()

	require.NoError(t, store.PutClient(context.Background(), &entities.Client{
		ID:                   "web",
		Secret:               "web-secret",
		RedirectURIs:         []string{"https://rp.example.com/cb"},
		AuthenticationMethod: oauth.AuthMethodBasic,
		GrantTypes: []string{
			oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken,
			oauth.GrantTypeClientCredentials, oauth.GrantTypePassword,
		},
		ResponseTypes:            []string{oauth.ResponseTypeCode},
		Scopes:                   []string{"openid", "email", "profile"},
		SubjectType:              oauth.SubjectTypePublic,
		IDTokenSignedResponseAlg: "ES256",
		ApplicationType:          oauth.ApplicationTypeWeb,
	}))

	return &testServer{Server: srv, url: ts.URL, store: store, users: userSvc, user: user}
}

func TestConfig_Validation(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Issuer:    "https://as.example.com",
			Keys:      keys.NewGeneratingProvider("ES256"),
			SecretKey: []byte("0123456789abcdef0123456789abcdef"),
			Interaction: InteractionURLs{
				Login: "https://ui/login", Consent: "https://ui/consent", Error: "https://ui/error",
			},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing issuer", func(c *Config) { c.Issuer = "" }},
		{"http issuer on public host", func(c *Config) { c.Issuer = "http://as.example.com" }},
		{"issuer with query", func(c *Config) { c.Issuer = "https://as.example.com?x=1" }},
		{"missing keys", func(c *Config) { c.Keys = nil }},
		{"short secret key", func(c *Config) { c.SecretKey = []byte("short") }},
		{"missing interaction URLs", func(c *Config) { c.Interaction = InteractionURLs{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			_, err := New(context.Background(), cfg,
				storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour)), users.NewMemoryService())
			require.Error(t, err)
		})
	}

	// Loopback http issuers pass for development setups.
	cfg := base()
	cfg.Issuer = "http://127.0.0.1:9999"
	cfg.PurgeInterval = -1
	srv, err := New(context.Background(), cfg,
		storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour)), users.NewMemoryService())
	require.NoError(t, err)
	require.NoError(t, srv.Close())
}

func TestServer_DiscoveryThroughOIDCClient(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	ctx := context.Background()

	provider, err := oidc.NewProvider(ctx, srv.url)
	require.NoError(t, err)

	assert.Equal(t, srv.url+"/oauth/authorize", provider.Endpoint().AuthURL)
	assert.Equal(t, srv.url+"/oauth/token", provider.Endpoint().TokenURL)

	var claims struct {
		JWKSURI          string   `json:"jwks_uri"`
		UserinfoEndpoint string   `json:"userinfo_endpoint"`
		ScopesSupported  []string `json:"scopes_supported"`
	}
	require.NoError(t, provider.Claims(&claims))
	assert.Equal(t, srv.url+"/oauth/jwks", claims.JWKSURI)
	assert.Equal(t, srv.url+"/oauth/userinfo", claims.UserinfoEndpoint)
	assert.Contains(t, claims.ScopesSupported, "openid")
}

func TestServer_ClientCredentialsThroughOAuth2Client(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	ctx := context.Background()

	cc := clientcredentials.Config{
		ClientID:     "web",
		ClientSecret: "web-secret",
		TokenURL:     srv.url + "/oauth/token",
		Scopes:       []string{"profile"},
	}
	tok, err := cc.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	require.NotEmpty(t, tok.AccessToken)

	stored, err := srv.store.GetAccessToken(ctx, tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "web", stored.ClientID)
	assert.Empty(t, stored.UserID)

	// Bad credentials surface as an oauth2 retrieve error.
	cc.ClientSecret = "wrong"
	_, err = cc.Token(ctx)
	require.Error(t, err)
}

func TestServer_PasswordGrantIDTokenVerifies(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	ctx := context.Background()

	provider, err := oidc.NewProvider(ctx, srv.url)
	require.NoError(t, err)

	conf := oauth2.Config{
		ClientID:     "web",
		ClientSecret: "web-secret",
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{"openid", "email"},
	}
	tok, err := conf.PasswordCredentialsToken(ctx, "peter", "secret")
	require.NoError(t, err)

	rawIDToken, ok := tok.Extra("id_token").(string)
	require.True(t, ok, "expected an id_token in the token response")

	// The relying-party library verifies the signature against the JWKS
	// endpoint and checks issuer, audience, and expiry.
	idToken, err := provider.Verifier(&oidc.Config{ClientID: "web"}).Verify(ctx, rawIDToken)
	require.NoError(t, err)
	assert.Equal(t, srv.user.ID, idToken.Subject)

	var claims struct {
		AMR []string `json:"amr"`
	}
	require.NoError(t, idToken.Claims(&claims))
	assert.Equal(t, []string{"pwd"}, claims.AMR)

	// Scope-implied claims travel through userinfo, not the ID token.
	info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	require.NoError(t, err)
	assert.Equal(t, "peter@example.com", info.Email)

	_, err = conf.PasswordCredentialsToken(ctx, "peter", "wrong")
	require.Error(t, err)
}

func TestServer_UserinfoThroughOAuth2Client(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	ctx := context.Background()

	provider, err := oidc.NewProvider(ctx, srv.url)
	require.NoError(t, err)

	conf := oauth2.Config{
		ClientID:     "web",
		ClientSecret: "web-secret",
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{"openid", "email"},
	}
	tok, err := conf.PasswordCredentialsToken(ctx, "peter", "secret")
	require.NoError(t, err)

	info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	require.NoError(t, err)
	assert.Equal(t, srv.user.ID, info.Subject)
	assert.Equal(t, "peter@example.com", info.Email)
}

func TestServer_PurgeLoopSweepsExpiredRecords(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, func(c *Config) {
		c.PurgeInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, srv.store.PutSession(ctx, &entities.Session{
		ID:        "dead",
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	require.Eventually(t, func() bool {
		_, err := srv.store.GetSession(ctx, "dead")
		return err != nil
	}, time.Second, 10*time.Millisecond, "sweeper should remove the expired session")
}

func TestServer_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
}
