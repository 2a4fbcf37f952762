// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authserver/pkg/crypto"
	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// authzRequest is one authorize pass after parameter validation: everything
// the interaction evaluation and the final response need, resolved once.
type authzRequest struct {
	params       url.Values
	client       *entities.Client
	redirectURI  string
	responseType string
	responseMode string
	state        string
	scopes       oauth.Scopes
	claims       *oauth.ClaimsRequest
	prompts      []string
	maxAge       int64
}

func (r *authzRequest) hasPrompt(name string) bool {
	for _, p := range r.prompts {
		if p == name {
			return true
		}
	}
	return false
}

// errorResult delivers a protocol error through the request's response mode.
func (e *Engine) errorResult(r *authzRequest, oe *oauth.Error) *Result {
	vals := oe.WithState(r.state).Values()
	vals.Set("iss", e.cfg.Issuer)
	return &Result{
		Kind:         KindResponse,
		RedirectURI:  r.redirectURI,
		ResponseMode: r.responseMode,
		Parameters:   vals,
		ClientID:     r.client.ID,
	}
}

// Authorize runs one pass of the grant state machine: parameter validation,
// grant location or creation, interaction evaluation, and either an
// interaction redirect or the final authorization response.
func (e *Engine) Authorize(ctx context.Context, req *Request) *Result {
	now := time.Now()

	session, err := e.ensureSession(ctx, req.SessionID, now)
	if err != nil {
		return errorPage(err)
	}

	// A grant cookie resumes an in-progress authorization with its frozen
	// parameters; whatever the user agent sent alongside is ignored.
	grant, expired, err := e.locateGrant(ctx, req.GrantID, session.ID)
	if err != nil {
		return errorPage(err)
	}
	params := req.Params
	if grant != nil {
		params = grant.Parameters
	}

	r, oe := e.validate(ctx, params)
	if oe != nil {
		if r == nil {
			// client_id or redirect_uri cannot be trusted: render, never
			// redirect.
			res := errorPage(oe)
			res.SessionID = session.ID
			return res
		}
		res := e.errorResult(r, oe)
		res.SessionID = session.ID
		return res
	}

	if expired {
		res := e.errorResult(r, oauth.AccessDenied(expiredGrantDescription))
		res.SessionID = session.ID
		res.ClearGrant = true
		return res
	}

	if grant == nil {
		grant, err = e.createGrant(ctx, r, session.ID, now)
		if err != nil {
			res := e.errorResult(r, oauth.ToError(err))
			res.SessionID = session.ID
			return res
		}
	}

	res := e.evaluate(ctx, r, grant, session, now)
	res.SessionID = session.ID
	return res
}

// ensureSession loads the cookie session or starts a fresh one.
func (e *Engine) ensureSession(ctx context.Context, sessionID string, now time.Time) (*entities.Session, error) {
	if sessionID != "" {
		s, err := e.store.GetSession(ctx, sessionID)
		switch {
		case err == nil && !s.Expired(now):
			return s, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}
	s := &entities.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.SessionTTL),
	}
	if err := e.store.PutSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// locateGrant resolves the grant cookie. A grant bound to another session is
// ignored rather than reused. Expired grants are removed here; the caller
// still reports the access_denied through the frozen parameters.
func (e *Engine) locateGrant(ctx context.Context, grantID, sessionID string) (*entities.Grant, bool, error) {
	if grantID == "" {
		return nil, false, nil
	}
	g, err := e.store.GetGrant(ctx, grantID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if g.SessionID != sessionID {
		return nil, false, nil
	}
	if g.Expired(time.Now()) {
		if err := e.store.DeleteGrant(ctx, g.ID); err != nil {
			return nil, false, err
		}
		return g, true, nil
	}
	return g, false, nil
}

func (e *Engine) createGrant(ctx context.Context, r *authzRequest, sessionID string, now time.Time) (*entities.Grant, error) {
	loginChallenge, err := crypto.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	consentChallenge, err := crypto.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	g := &entities.Grant{
		ID:               uuid.NewString(),
		LoginChallenge:   loginChallenge,
		ConsentChallenge: consentChallenge,
		Parameters:       r.params,
		ClientID:         r.client.ID,
		SessionID:        sessionID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(e.cfg.GrantTTL),
	}
	if err := e.store.CreateGrant(ctx, g); err != nil {
		return nil, err
	}
	logger.Debugw("created grant", "grant_id", g.ID, "client_id", r.client.ID)
	return g, nil
}

// validate parses and checks the authorize parameters. A nil request with a
// non-nil error means the error must be rendered, not redirected.
func (e *Engine) validate(ctx context.Context, params url.Values) (*authzRequest, *oauth.Error) {
	clientID := params.Get("client_id")
	if clientID == "" {
		return nil, oauth.InvalidRequest("The request is missing the required parameter 'client_id'.")
	}
	client, err := e.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, oauth.InvalidRequest("The requested client does not exist.")
	}
	if err != nil {
		return nil, oauth.ToError(err)
	}
	redirectURI, err := oauth.MatchRedirectURI(client.RedirectURIs, params.Get("redirect_uri"))
	if err != nil {
		return nil, oauth.ToError(err)
	}

	r := &authzRequest{
		params:      params,
		client:      client,
		redirectURI: redirectURI,
		state:       params.Get("state"),
	}

	r.responseType = oauth.CanonicalResponseType(params.Get("response_type"))
	// The response mode must be resolvable before any redirectable error, so
	// an unknown mode falls back to the type's default for error delivery.
	r.responseMode = oauth.DefaultResponseMode(r.responseType)

	if r.responseType == "" {
		return r, oauth.InvalidRequest("The request is missing the required parameter 'response_type'.")
	}
	if !e.registry.HasResponseType(r.responseType) {
		return r, oauth.UnsupportedResponseType("The response type %q is not supported by this server.", r.responseType)
	}
	if !client.HasResponseType(r.responseType) {
		return r, oauth.UnauthorizedClient("The client is not allowed to use the response type %q.", r.responseType)
	}

	if mode := params.Get("response_mode"); mode != "" {
		if !e.registry.HasResponseMode(mode) {
			return r, oauth.InvalidRequest("The response mode %q is not supported by this server.", mode)
		}
		if mode == oauth.ResponseModeQuery && oauth.ResponseTypeIsImplicitOrHybrid(r.responseType) {
			return r, oauth.InvalidRequest("The query response mode must not deliver tokens.")
		}
		r.responseMode = mode
	}

	requested := oauth.ParseScopes(params.Get("scope"))
	r.scopes, err = oauth.AllowScopes(requested, client.AllowedScopes(), e.cfg.PermissiveScopes)
	if err != nil {
		return r, oauth.ToError(err)
	}
	if oauth.ResponseTypeHasIDToken(r.responseType) {
		if !r.scopes.HasOpenID() {
			return r, oauth.InvalidScope("The response type %q requires the 'openid' scope.", r.responseType)
		}
		if params.Get("nonce") == "" {
			return r, oauth.InvalidRequest("The 'nonce' parameter is required when an ID token is returned from the authorization endpoint.")
		}
	}

	if oe := e.validatePKCE(r, params); oe != nil {
		return r, oe
	}

	r.prompts, err = oauth.ParsePrompt(params.Get("prompt"))
	if err != nil {
		return r, oauth.ToError(err)
	}
	for _, p := range r.prompts {
		if !e.registry.HasPrompt(p) {
			return r, oauth.InvalidRequest("The prompt value %q is not enabled on this server.", p)
		}
	}
	r.maxAge, err = oauth.ParseMaxAge(params.Get("max_age"))
	if err != nil {
		return r, oauth.ToError(err)
	}
	if display := params.Get("display"); display != "" && !e.registry.HasDisplay(display) {
		return r, oauth.InvalidRequest("The display value %q is not supported by this server.", display)
	}
	r.claims, err = oauth.ParseClaimsParameter(params.Get("claims"))
	if err != nil {
		return r, oauth.ToError(err)
	}
	return r, nil
}

// validatePKCE applies the code challenge rules: mandatory for public and
// require_pkce clients on code-bearing response types, method names resolved
// through the registry, and plain never assumed unless explicitly enabled.
func (e *Engine) validatePKCE(r *authzRequest, params url.Values) *oauth.Error {
	if !oauth.ResponseTypeHasCode(r.responseType) {
		return nil
	}
	challenge := params.Get("code_challenge")
	if challenge == "" {
		if r.client.RequiresPKCE() {
			return oauth.InvalidRequest("This client must provide a 'code_challenge' (PKCE).")
		}
		return nil
	}
	if len(challenge) < 43 || len(challenge) > 128 {
		return oauth.InvalidRequest("The 'code_challenge' must be between 43 and 128 characters.")
	}
	method := params.Get("code_challenge_method")
	if method == "" {
		if _, ok := e.registry.PKCEMethod(oauth.PKCEMethodPlain); !ok {
			return oauth.InvalidRequest("The 'code_challenge_method' parameter is required; this server does not assume 'plain'.")
		}
		return nil
	}
	if _, ok := e.registry.PKCEMethod(method); !ok {
		return oauth.InvalidRequest("The code challenge method %q is not supported by this server.", method)
	}
	return nil
}

// evaluate determines the pending interactions and either redirects to the
// UI or finishes the authorization.
func (e *Engine) evaluate(ctx context.Context, r *authzRequest, grant *entities.Grant, session *entities.Session, now time.Time) *Result {
	// select_account and create are prompt-driven side interactions that run
	// before login.
	if r.hasPrompt(oauth.PromptSelectAccount) && !grant.HasInteraction(entities.InteractionSelectAccount) {
		return e.interactionRedirect(grant, e.cfg.SelectAccountURL, "login_challenge", grant.LoginChallenge)
	}
	if r.hasPrompt(oauth.PromptCreate) && !grant.HasInteraction(entities.InteractionCreate) {
		return e.interactionRedirect(grant, e.cfg.CreateURL, "login_challenge", grant.LoginChallenge)
	}

	login, err := e.activeLogin(ctx, session, now)
	if err != nil {
		return e.terminalError(ctx, r, grant, oauth.ToError(err))
	}
	loginNeeded := login == nil
	if !loginNeeded && r.maxAge >= 0 && login.OlderThan(now, r.maxAge) {
		loginNeeded = true
	}
	if r.hasPrompt(oauth.PromptLogin) && !grant.HasInteraction(entities.InteractionLogin) {
		loginNeeded = true
	}
	if loginNeeded {
		if r.hasPrompt(oauth.PromptNone) {
			return e.terminalError(ctx, r, grant, oauth.LoginRequired("The request requires a logged-in user and prompt 'none' forbids interaction."))
		}
		return e.interactionRedirect(grant, e.cfg.LoginURL, "login_challenge", grant.LoginChallenge)
	}

	consent, consentNeeded, err := e.consentState(ctx, r, grant, login, now)
	if err != nil {
		return e.terminalError(ctx, r, grant, oauth.ToError(err))
	}
	if consentNeeded {
		if r.hasPrompt(oauth.PromptNone) {
			return e.terminalError(ctx, r, grant, oauth.ConsentRequired("The request requires user consent and prompt 'none' forbids interaction."))
		}
		return e.interactionRedirect(grant, e.cfg.ConsentURL, "consent_challenge", grant.ConsentChallenge)
	}

	return e.finish(ctx, r, grant, session, login, consent)
}

// activeLogin resolves the session's active login, nil when absent or
// expired.
func (e *Engine) activeLogin(ctx context.Context, session *entities.Session, now time.Time) (*entities.Login, error) {
	if session.ActiveLoginID == "" {
		return nil, nil
	}
	l, err := e.store.GetLogin(ctx, session.ActiveLoginID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if l.Expired(now) {
		return nil, nil
	}
	return l, nil
}

// consentState resolves whether the consent interaction is still pending and,
// when it is not, which consent record covers the request.
func (e *Engine) consentState(ctx context.Context, r *authzRequest, grant *entities.Grant, login *entities.Login, now time.Time) (*entities.Consent, bool, error) {
	if r.hasPrompt(oauth.PromptConsent) && !grant.HasInteraction(entities.InteractionConsent) {
		return nil, true, nil
	}
	if r.client.SkipConsent {
		return nil, false, nil
	}
	if grant.ConsentID != "" {
		c, err := e.store.GetConsent(ctx, grant.ConsentID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, false, err
		}
		if err == nil && c.Covers(r.client.ID, login.UserID, r.scopes, now) {
			return c, false, nil
		}
	}
	c, err := e.store.FindConsent(ctx, r.client.ID, login.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !c.Covers(r.client.ID, login.UserID, r.scopes, now) {
		return nil, true, nil
	}
	return c, false, nil
}

func (e *Engine) interactionRedirect(grant *entities.Grant, base, param, challenge string) *Result {
	return &Result{
		Kind:       KindInteractionRedirect,
		RedirectTo: challengeURL(base, param, challenge),
		SetGrantID: grant.ID,
	}
}

// terminalError removes the grant and delivers the error through the
// response mode. The grant cookie is cleared on every terminal response.
func (e *Engine) terminalError(ctx context.Context, r *authzRequest, grant *entities.Grant, oe *oauth.Error) *Result {
	if err := e.store.DeleteGrant(ctx, grant.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Errorf("failed to delete grant %s: %v", grant.ID, err)
	}
	res := e.errorResult(r, oe)
	res.ClearGrant = true
	return res
}
