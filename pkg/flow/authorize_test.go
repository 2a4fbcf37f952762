// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/keys"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
	"github.com/stacklok/authserver/pkg/strategy"
	"github.com/stacklok/authserver/pkg/token"
	"github.com/stacklok/authserver/pkg/users"
)

const (
	testIssuer       = "https://as.example.com"
	testRedirectURI  = "https://rp.example.com/cb"
	testPKCEChal     = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	testPKCEVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type testEnv struct {
	engine *Engine
	store  *storage.MemoryStore
	users  *users.MemoryService
	user   *users.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithLists(t, strategy.Lists{
		GrantTypes:    []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		ResponseTypes: []string{oauth.ResponseTypeCode, oauth.ResponseTypeToken, oauth.ResponseTypeCodeIDToken},
		ResponseModes: []string{oauth.ResponseModeQuery, oauth.ResponseModeFragment, oauth.ResponseModeFormPost},
		PKCEMethods:   []string{oauth.PKCEMethodS256, oauth.PKCEMethodPlain},
	})
}

func newTestEnvWithLists(t *testing.T, lists strategy.Lists) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	registry, err := strategy.New(lists)
	require.NoError(t, err)

	userSvc := users.NewMemoryService()
	u, err := userSvc.CreateUser(context.Background(), "peter", "secret", map[string]any{"email": "peter@example.com"})
	require.NoError(t, err)

	provider := keys.NewGeneratingProvider("ES256")
	idTokens := token.NewIDTokenService(testIssuer, provider, []byte("0123456789abcdef0123456789abcdef"), 64, []string{"ES256"}, time.Hour)

	engine, err := NewEngine(Config{
		Issuer:           testIssuer,
		LoginURL:         "https://ui.example.com/login",
		ConsentURL:       "https://ui.example.com/consent",
		SelectAccountURL: "https://ui.example.com/select",
		CreateURL:        "https://ui.example.com/create",
		ErrorURL:         "https://ui.example.com/error",
		LogoutURL:        "https://ui.example.com/logout",
	}, store, registry,
		token.NewCodeService(store, time.Minute),
		token.NewAccessTokenService(store, time.Hour),
		idTokens,
		userSvc,
	)
	require.NoError(t, err)

	require.NoError(t, store.PutClient(context.Background(), &entities.Client{
		ID:                       "rp",
		Secret:                   "rp-secret",
		RedirectURIs:             []string{testRedirectURI},
		AuthenticationMethod:     oauth.AuthMethodBasic,
		GrantTypes:               []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		ResponseTypes:            []string{oauth.ResponseTypeCode, oauth.ResponseTypeCodeIDToken},
		Scopes:                   []string{"openid", "email", "profile"},
		SubjectType:              oauth.SubjectTypePublic,
		IDTokenSignedResponseAlg: "ES256",
		ApplicationType:          oauth.ApplicationTypeWeb,
	}))

	return &testEnv{engine: engine, store: store, users: userSvc, user: u}
}

func codeRequest(sessionID, grantID string) *Request {
	return &Request{
		Params: url.Values{
			"response_type":         {"code"},
			"client_id":             {"rp"},
			"redirect_uri":          {testRedirectURI},
			"scope":                 {"openid email"},
			"state":                 {"xyz"},
			"code_challenge":        {testPKCEChal},
			"code_challenge_method": {oauth.PKCEMethodS256},
		},
		SessionID: sessionID,
		GrantID:   grantID,
	}
}

// challengeFrom extracts an interaction challenge from a redirect URL.
func challengeFrom(t *testing.T, redirectTo, param string) string {
	t.Helper()
	u, err := url.Parse(redirectTo)
	require.NoError(t, err)
	c := u.Query().Get(param)
	require.NotEmpty(t, c)
	return c
}

// resumeRequest turns a resumption URL back into an engine request.
func resumeRequest(t *testing.T, resumeTo, sessionID, grantID string) *Request {
	t.Helper()
	u, err := url.Parse(resumeTo)
	require.NoError(t, err)
	assert.Equal(t, "/oauth/authorize", u.Path)
	return &Request{Params: u.Query(), SessionID: sessionID, GrantID: grantID}
}

func TestAuthorize_UnknownClientRendersErrorPage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	res := env.engine.Authorize(context.Background(), &Request{
		Params: url.Values{"client_id": {"ghost"}, "response_type": {"code"}},
	})
	require.Equal(t, KindErrorPage, res.Kind)
	assert.Equal(t, oauth.ErrCodeInvalidRequest, res.Err.Code)
}

func TestAuthorize_UnregisteredRedirectRendersErrorPage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := codeRequest("", "")
	req.Params.Set("redirect_uri", "https://evil.example.com/cb")
	res := env.engine.Authorize(context.Background(), req)
	require.Equal(t, KindErrorPage, res.Kind)
}

func TestAuthorize_LoginRedirect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	res := env.engine.Authorize(context.Background(), codeRequest("", ""))
	require.Equal(t, KindInteractionRedirect, res.Kind)
	assert.Contains(t, res.RedirectTo, "https://ui.example.com/login?login_challenge=")
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.SetGrantID)
}

func TestAuthorize_PromptNoneWithoutLogin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := codeRequest("", "")
	req.Params.Set("prompt", "none")
	res := env.engine.Authorize(context.Background(), req)
	require.Equal(t, KindResponse, res.Kind)
	assert.Equal(t, testRedirectURI, res.RedirectURI)
	assert.Equal(t, oauth.ResponseModeQuery, res.ResponseMode)
	assert.Equal(t, oauth.ErrCodeLoginRequired, res.Parameters.Get("error"))
	assert.Equal(t, "xyz", res.Parameters.Get("state"))
	assert.True(t, res.ClearGrant)
}

func TestAuthorize_PromptOutsideConfiguredSet(t *testing.T) {
	t.Parallel()
	env := newTestEnvWithLists(t, strategy.Lists{
		GrantTypes:    []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		ResponseTypes: []string{oauth.ResponseTypeCode, oauth.ResponseTypeToken, oauth.ResponseTypeCodeIDToken},
		ResponseModes: []string{oauth.ResponseModeQuery, oauth.ResponseModeFragment, oauth.ResponseModeFormPost},
		PKCEMethods:   []string{oauth.PKCEMethodS256, oauth.PKCEMethodPlain},
		Prompts:       []string{oauth.PromptLogin, oauth.PromptConsent},
	})

	req := codeRequest("", "")
	req.Params.Set("prompt", "select_account")
	res := env.engine.Authorize(context.Background(), req)
	require.Equal(t, KindResponse, res.Kind)
	assert.Equal(t, oauth.ErrCodeInvalidRequest, res.Parameters.Get("error"))

	// Enabled values still pass through to the interaction flow.
	ok := codeRequest("", "")
	ok.Params.Set("prompt", "login")
	require.Equal(t, KindInteractionRedirect, env.engine.Authorize(context.Background(), ok).Kind)
}

func TestAuthorize_PKCERequiredForPublicClient(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	require.NoError(t, env.store.PutClient(context.Background(), &entities.Client{
		ID:                   "spa",
		RedirectURIs:         []string{testRedirectURI},
		AuthenticationMethod: oauth.AuthMethodNone,
		GrantTypes:           []string{oauth.GrantTypeAuthorizationCode},
		ResponseTypes:        []string{oauth.ResponseTypeCode},
		Scopes:               []string{"openid"},
	}))

	req := &Request{Params: url.Values{
		"response_type": {"code"},
		"client_id":     {"spa"},
		"redirect_uri":  {testRedirectURI},
		"scope":         {"openid"},
	}}
	res := env.engine.Authorize(context.Background(), req)
	require.Equal(t, KindResponse, res.Kind)
	assert.Equal(t, oauth.ErrCodeInvalidRequest, res.Parameters.Get("error"))
	assert.Contains(t, res.Parameters.Get("error_description"), "code_challenge")
}

func TestAuthorize_UnknownResponseTypeRedirects(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := codeRequest("", "")
	req.Params.Set("response_type", "id_token")
	req.Params.Set("nonce", "n")
	res := env.engine.Authorize(context.Background(), req)
	require.Equal(t, KindResponse, res.Kind)
	assert.Equal(t, oauth.ErrCodeUnsupportedResponseType, res.Parameters.Get("error"))
	// Token-bearing errors go back through the fragment by default.
	assert.Equal(t, oauth.ResponseModeFragment, res.ResponseMode)
}

func TestAuthorize_FullCodeFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// First pass: no login yet.
	res := env.engine.Authorize(ctx, codeRequest("", ""))
	require.Equal(t, KindInteractionRedirect, res.Kind)
	sessionID, grantID := res.SessionID, res.SetGrantID
	loginChallenge := challengeFrom(t, res.RedirectTo, "login_challenge")

	lc, err := env.engine.HandleLoginContext(ctx, loginChallenge)
	require.NoError(t, err)
	assert.False(t, lc.Skip)
	assert.Equal(t, "rp", lc.Client.ID)
	assert.Equal(t, []string{"openid", "email"}, lc.RequestedScopes)

	resume, err := env.engine.HandleLoginDecision(ctx, loginChallenge, &LoginDecision{
		Accept:   true,
		Username: "peter",
		Password: "secret",
		AMR:      []string{"pwd"},
	})
	require.NoError(t, err)

	// Second pass: logged in, consent still missing.
	res = env.engine.Authorize(ctx, resumeRequest(t, resume, sessionID, grantID))
	require.Equal(t, KindInteractionRedirect, res.Kind)
	consentChallenge := challengeFrom(t, res.RedirectTo, "consent_challenge")

	cc, err := env.engine.HandleConsentContext(ctx, consentChallenge)
	require.NoError(t, err)
	assert.Equal(t, env.user.ID, cc.Subject)
	assert.Equal(t, []string{"openid", "email"}, cc.RequestedScopes)

	resume, err = env.engine.HandleConsentDecision(ctx, consentChallenge, &ConsentDecision{
		Accept:        true,
		GrantedScopes: []string{"openid", "email"},
	})
	require.NoError(t, err)

	// Third pass: everything satisfied; the code comes back.
	res = env.engine.Authorize(ctx, resumeRequest(t, resume, sessionID, grantID))
	require.Equal(t, KindResponse, res.Kind)
	assert.Equal(t, testRedirectURI, res.RedirectURI)
	assert.Equal(t, oauth.ResponseModeQuery, res.ResponseMode)
	assert.Equal(t, "xyz", res.Parameters.Get("state"))
	assert.Equal(t, testIssuer, res.Parameters.Get("iss"))
	assert.True(t, res.ClearGrant)

	code := res.Parameters.Get("code")
	require.NotEmpty(t, code)
	stored, err := env.store.GetAuthorizationCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, testPKCEChal, stored.CodeChallenge)
	assert.Equal(t, oauth.PKCEMethodS256, stored.CodeChallengeMethod)
	assert.Equal(t, env.user.ID, stored.UserID)
	assert.Equal(t, []string{"openid", "email"}, stored.Scopes)

	// The grant is gone; resuming with its cookie starts over.
	_, err = env.store.GetGrant(ctx, grantID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Fourth pass with the established session and consent: no interaction
	// needed at all.
	res = env.engine.Authorize(ctx, codeRequest(sessionID, ""))
	require.Equal(t, KindResponse, res.Kind)
	assert.NotEmpty(t, res.Parameters.Get("code"))
}

func TestAuthorize_SkipConsentClient(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.PutClient(ctx, &entities.Client{
		ID:                   "firstparty",
		Secret:               "s",
		RedirectURIs:         []string{testRedirectURI},
		AuthenticationMethod: oauth.AuthMethodBasic,
		GrantTypes:           []string{oauth.GrantTypeAuthorizationCode},
		ResponseTypes:        []string{oauth.ResponseTypeCode},
		Scopes:               []string{"openid"},
		SkipConsent:          true,
	}))

	req := &Request{Params: url.Values{
		"response_type":         {"code"},
		"client_id":             {"firstparty"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid"},
		"code_challenge":        {testPKCEChal},
		"code_challenge_method": {oauth.PKCEMethodS256},
	}}
	res := env.engine.Authorize(ctx, req)
	require.Equal(t, KindInteractionRedirect, res.Kind)
	sessionID, grantID := res.SessionID, res.SetGrantID

	resume, err := env.engine.HandleLoginDecision(ctx, challengeFrom(t, res.RedirectTo, "login_challenge"),
		&LoginDecision{Accept: true, Subject: env.user.ID})
	require.NoError(t, err)

	res = env.engine.Authorize(ctx, resumeRequest(t, resume, sessionID, grantID))
	require.Equal(t, KindResponse, res.Kind)
	assert.NotEmpty(t, res.Parameters.Get("code"))
}

func TestAuthorize_ExpiredGrant(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.engine.Authorize(ctx, codeRequest("", ""))
	require.Equal(t, KindInteractionRedirect, res.Kind)
	sessionID := res.SessionID

	now := time.Now()
	expired := &entities.Grant{
		ID:               uuid.NewString(),
		LoginChallenge:   uuid.NewString(),
		ConsentChallenge: uuid.NewString(),
		Parameters:       codeRequest("", "").Params,
		ClientID:         "rp",
		SessionID:        sessionID,
		CreatedAt:        now.Add(-time.Hour),
		ExpiresAt:        now.Add(-time.Minute),
	}
	require.NoError(t, env.store.CreateGrant(ctx, expired))

	out := env.engine.Authorize(ctx, codeRequest(sessionID, expired.ID))
	require.Equal(t, KindResponse, out.Kind)
	assert.Equal(t, oauth.ErrCodeAccessDenied, out.Parameters.Get("error"))
	assert.Equal(t, "Expired Grant.", out.Parameters.Get("error_description"))
	assert.True(t, out.ClearGrant)

	_, err := env.store.GetGrant(ctx, expired.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAuthorize_NonceRequiredForHybrid(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := codeRequest("", "")
	req.Params.Set("response_type", "code id_token")
	res := env.engine.Authorize(context.Background(), req)
	require.Equal(t, KindResponse, res.Kind)
	assert.Equal(t, oauth.ErrCodeInvalidRequest, res.Parameters.Get("error"))
	assert.Contains(t, res.Parameters.Get("error_description"), "nonce")
}

func TestAuthorize_PromptConflict(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := codeRequest("", "")
	req.Params.Set("prompt", "none login")
	res := env.engine.Authorize(context.Background(), req)
	require.Equal(t, KindResponse, res.Kind)
	assert.Equal(t, oauth.ErrCodeInvalidRequest, res.Parameters.Get("error"))
}
