// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stacklok/authserver/pkg/crypto"
	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
	"github.com/stacklok/authserver/pkg/token"
	"github.com/stacklok/authserver/pkg/users"
)

// tokenResponse is the RFC 6749 section 5.1 success document.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Token dispatches the token endpoint by grant_type after authenticating the
// client.
func (h *Handlers) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, "token", oauth.InvalidRequest("The request body could not be parsed."))
		return
	}

	client, err := h.dispatcher.Authenticate(r.Context(), r)
	if err != nil {
		h.writeError(w, "token", err)
		return
	}

	grantType := r.PostFormValue("grant_type")
	if grantType == "" {
		h.writeError(w, "token", oauth.InvalidRequest("The request is missing the required parameter 'grant_type'."))
		return
	}
	if !h.registry.HasGrantType(grantType) {
		h.writeError(w, "token", oauth.UnsupportedGrantType("The grant type %q is not supported by this server.", grantType))
		return
	}
	if !client.HasGrantType(grantType) {
		h.writeError(w, "token", oauth.UnauthorizedClient("The client is not authorized to use the %q grant type.", grantType))
		return
	}

	var resp *tokenResponse
	switch grantType {
	case oauth.GrantTypeAuthorizationCode:
		resp, err = h.authorizationCodeGrant(r.Context(), client, r)
	case oauth.GrantTypeRefreshToken:
		resp, err = h.refreshTokenGrant(r.Context(), client, r)
	case oauth.GrantTypeClientCredentials:
		resp, err = h.clientCredentialsGrant(r.Context(), client, r)
	case oauth.GrantTypePassword:
		resp, err = h.passwordGrant(r.Context(), client, r)
	case oauth.GrantTypeDeviceCode:
		resp, err = h.deviceCodeGrant(r.Context(), client, r)
	case oauth.GrantTypeJWTBearer:
		resp, err = h.jwtBearerGrant(r.Context(), client, r)
	default:
		err = oauth.UnsupportedGrantType("The grant type %q is not supported by this server.", grantType)
	}
	if err != nil {
		h.writeError(w, "token", err)
		return
	}

	if h.metrics != nil {
		h.metrics.CountToken("access_token", grantType)
		if resp.RefreshToken != "" {
			h.metrics.CountToken("refresh_token", grantType)
		}
		if resp.IDToken != "" {
			h.metrics.CountToken("id_token", grantType)
		}
	}
	writeTokenJSON(w, http.StatusOK, resp)
}

// issueParams is the shared tail of every grant: an access token, an optional
// refresh token, and an optional ID token.
type issueParams struct {
	client *entities.Client
	userID string
	scopes oauth.Scopes
	// withRefresh issues a refresh token when the client may use the grant.
	withRefresh bool
	// ID token inputs; zero values are omitted from the token.
	nonce       string
	authTime    time.Time
	acr         string
	amr         []string
	extraClaims map[string]any
}

func (h *Handlers) issueTokens(ctx context.Context, p issueParams) (*tokenResponse, error) {
	var refreshToken string
	if p.withRefresh && p.client.HasGrantType(oauth.GrantTypeRefreshToken) && h.registry.HasGrantType(oauth.GrantTypeRefreshToken) {
		rt, err := h.refresh.Issue(ctx, p.client.ID, p.userID, p.scopes)
		if err != nil {
			return nil, err
		}
		refreshToken = rt.Token
	}

	at, err := h.access.Issue(ctx, p.client.ID, p.userID, p.scopes, refreshToken)
	if err != nil {
		return nil, err
	}

	resp := &tokenResponse{
		AccessToken:  at.Token,
		TokenType:    oauth.TokenTypeBearer,
		ExpiresIn:    int64(time.Until(at.ExpiresAt).Seconds()),
		Scope:        p.scopes.String(),
		RefreshToken: refreshToken,
	}

	if p.scopes.HasOpenID() && p.userID != "" {
		idToken, err := h.idTokens.Issue(ctx, idTokenParamsFor(p, at.Token))
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

// idTokenParamsFor maps the grant inputs onto ID token issuance.
func idTokenParamsFor(p issueParams, accessToken string) token.IDTokenParams {
	return token.IDTokenParams{
		Client:      p.client,
		UserID:      p.userID,
		Nonce:       p.nonce,
		AuthTime:    p.authTime,
		ACR:         p.acr,
		AMR:         p.amr,
		AccessToken: accessToken,
		ExtraClaims: p.extraClaims,
	}
}

// authorizationCodeGrant redeems a single-use authorization code. Redeeming a
// code twice revokes everything the first redemption issued.
func (h *Handlers) authorizationCodeGrant(ctx context.Context, client *entities.Client, r *http.Request) (*tokenResponse, error) {
	raw := r.PostFormValue("code")
	if raw == "" {
		return nil, oauth.InvalidRequest("The request is missing the required parameter 'code'.")
	}

	code, err := h.store.GetAuthorizationCode(ctx, raw)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauth.InvalidGrant("The authorization code is invalid or expired.")
		}
		return nil, err
	}
	if code.ClientID != client.ID {
		return nil, oauth.InvalidGrant("The authorization code was issued to another client.")
	}

	now := time.Now()
	if code.Revoked {
		if err := h.revokeCodeDerivedTokens(ctx, code); err != nil {
			logger.Errorw("failed to revoke tokens derived from a reused code", "error", err)
		}
		return nil, oauth.InvalidGrant("The authorization code was already redeemed.")
	}
	if !code.Active(now) {
		if err := h.store.DeleteAuthorizationCode(ctx, code.Code); err != nil {
			logger.Errorw("failed to delete expired authorization code", "error", err)
		}
		return nil, oauth.InvalidGrant("The authorization code is invalid or expired.")
	}

	if code.RedirectURI != "" && r.PostFormValue("redirect_uri") != code.RedirectURI {
		return nil, oauth.InvalidGrant("The 'redirect_uri' does not match the authorization request.")
	}
	if err := h.verifyPKCE(code, r.PostFormValue("code_verifier")); err != nil {
		return nil, err
	}

	extra, err := h.claimsForTarget(ctx, code.UserID, code.Claims)
	if err != nil {
		return nil, err
	}
	resp, err := h.issueTokens(ctx, issueParams{
		client:      client,
		userID:      code.UserID,
		scopes:      oauth.Scopes(code.Scopes),
		withRefresh: true,
		nonce:       code.Nonce,
		authTime:    code.AuthTime,
		acr:         code.ACR,
		amr:         code.AMR,
		extraClaims: extra,
	})
	if err != nil {
		return nil, err
	}

	// Retire the code, remembering what it produced for reuse detection.
	code.Revoked = true
	code.IssuedAccessTokens = append(code.IssuedAccessTokens, resp.AccessToken)
	if resp.RefreshToken != "" {
		code.IssuedRefreshTokens = append(code.IssuedRefreshTokens, resp.RefreshToken)
	}
	if err := h.store.PutAuthorizationCode(ctx, code); err != nil {
		return nil, err
	}
	return resp, nil
}

// verifyPKCE checks the code_verifier against the challenge frozen in the
// code. Codes without a challenge skip the check.
func (h *Handlers) verifyPKCE(code *entities.AuthorizationCode, verifier string) error {
	if code.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return oauth.InvalidRequest("The request is missing the required parameter 'code_verifier'.")
	}
	if err := crypto.ValidateVerifier(verifier); err != nil {
		return oauth.InvalidRequest("The 'code_verifier' parameter is malformed.")
	}
	methodName := code.CodeChallengeMethod
	if methodName == "" {
		methodName = oauth.PKCEMethodPlain
	}
	method, ok := h.registry.PKCEMethod(methodName)
	if !ok {
		return oauth.InvalidRequest("The code challenge method %q is not enabled on this server.", methodName)
	}
	if err := method.Verify(code.CodeChallenge, verifier); err != nil {
		return oauth.InvalidGrant("The PKCE code verifier does not match the challenge.")
	}
	return nil
}

// refreshTokenGrant exchanges a refresh token, optionally narrowing scopes and
// rotating. Presenting a rotated or revoked token is replay and revokes the
// entire chain.
func (h *Handlers) refreshTokenGrant(ctx context.Context, client *entities.Client, r *http.Request) (*tokenResponse, error) {
	raw := r.PostFormValue("refresh_token")
	if raw == "" {
		return nil, oauth.InvalidRequest("The request is missing the required parameter 'refresh_token'.")
	}

	rt, err := h.store.GetRefreshToken(ctx, raw)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauth.InvalidGrant("The refresh token is invalid or expired.")
		}
		return nil, err
	}
	if rt.ClientID != client.ID {
		return nil, oauth.InvalidGrant("The refresh token was issued to another client.")
	}

	now := time.Now()
	if rt.Rotated || rt.Revoked {
		if err := h.refresh.RevokeChain(ctx, rt.ChainID); err != nil {
			return nil, err
		}
		logger.Warnw("refresh token replay detected, chain revoked",
			"client_id", client.ID, "chain_id", rt.ChainID)
		return nil, oauth.InvalidGrant("The refresh token is no longer valid.")
	}
	if !rt.Active(now) {
		return nil, oauth.InvalidGrant("The refresh token is invalid or expired.")
	}

	granted := oauth.Scopes(rt.Scopes)
	if requested := oauth.ParseScopes(r.PostFormValue("scope")); requested != nil {
		if !requested.SubsetOf(granted) {
			return nil, oauth.InvalidScope("The requested scopes exceed the scopes of the refresh token.")
		}
		granted = requested
	}

	current := rt
	if h.refresh.RotationEnabled() {
		current, err = h.refresh.Rotate(ctx, rt)
		if err != nil {
			return nil, err
		}
	}

	at, err := h.access.Issue(ctx, client.ID, rt.UserID, granted, current.Token)
	if err != nil {
		return nil, err
	}
	resp := &tokenResponse{
		AccessToken: at.Token,
		TokenType:   oauth.TokenTypeBearer,
		ExpiresIn:   int64(time.Until(at.ExpiresAt).Seconds()),
		Scope:       granted.String(),
	}
	if h.refresh.RotationEnabled() {
		resp.RefreshToken = current.Token
	}
	if granted.HasOpenID() {
		idToken, err := h.idTokens.Issue(ctx, idTokenParamsFor(issueParams{
			client: client,
			userID: rt.UserID,
		}, at.Token))
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

// clientCredentialsGrant issues a token for the client itself. Confidential
// clients only; no user, no refresh token.
func (h *Handlers) clientCredentialsGrant(ctx context.Context, client *entities.Client, r *http.Request) (*tokenResponse, error) {
	if client.IsPublic() {
		return nil, oauth.UnauthorizedClient("Public clients cannot use the client_credentials grant.")
	}
	scopes, err := h.grantedScopes(client, r.PostFormValue("scope"))
	if err != nil {
		return nil, err
	}
	at, err := h.access.Issue(ctx, client.ID, "", scopes, "")
	if err != nil {
		return nil, err
	}
	return &tokenResponse{
		AccessToken: at.Token,
		TokenType:   oauth.TokenTypeBearer,
		ExpiresIn:   int64(time.Until(at.ExpiresAt).Seconds()),
		Scope:       scopes.String(),
	}, nil
}

// passwordGrant exchanges resource owner credentials through the user service.
func (h *Handlers) passwordGrant(ctx context.Context, client *entities.Client, r *http.Request) (*tokenResponse, error) {
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		return nil, oauth.InvalidRequest("The request is missing the 'username' or 'password' parameter.")
	}

	user, err := h.users.VerifyCredentials(ctx, username, password)
	if err != nil {
		if errors.Is(err, users.ErrBadCredentials) {
			return nil, oauth.InvalidGrant("The resource owner credentials are invalid.")
		}
		return nil, err
	}

	scopes, err := h.grantedScopes(client, r.PostFormValue("scope"))
	if err != nil {
		return nil, err
	}
	return h.issueTokens(ctx, issueParams{
		client:      client,
		userID:      user.ID,
		scopes:      scopes,
		withRefresh: true,
		authTime:    time.Now(),
		amr:         []string{"pwd"},
	})
}

// deviceCodeGrant answers a device's poll for the outcome of a device
// authorization.
func (h *Handlers) deviceCodeGrant(ctx context.Context, client *entities.Client, r *http.Request) (*tokenResponse, error) {
	if !h.cfg.EnableDeviceAuthorizationGrant {
		return nil, oauth.UnsupportedGrantType("The device authorization grant is not enabled on this server.")
	}
	raw := r.PostFormValue("device_code")
	if raw == "" {
		return nil, oauth.InvalidRequest("The request is missing the required parameter 'device_code'.")
	}

	d, err := h.store.GetDeviceCode(ctx, raw)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauth.InvalidGrant("The device code is invalid.")
		}
		return nil, err
	}
	if d.ClientID != client.ID {
		return nil, oauth.InvalidGrant("The device code was issued to another client.")
	}

	now := time.Now()
	if d.Expired(now) {
		if err := h.store.DeleteDeviceCode(ctx, d.DeviceCode); err != nil {
			logger.Errorw("failed to delete expired device code", "error", err)
		}
		return nil, oauth.NewError(oauth.ErrCodeExpiredToken, "The device code has expired.")
	}
	if d.TooFast(now) {
		d.LastPolledAt = now
		if err := h.store.PutDeviceCode(ctx, d); err != nil {
			return nil, err
		}
		return nil, oauth.NewError(oauth.ErrCodeSlowDown, "Polling too frequently.")
	}
	d.LastPolledAt = now

	switch {
	case d.Denied:
		if err := h.store.DeleteDeviceCode(ctx, d.DeviceCode); err != nil {
			logger.Errorw("failed to delete denied device code", "error", err)
		}
		return nil, oauth.AccessDenied("The user denied the authorization request.")
	case d.Consumed:
		return nil, oauth.InvalidGrant("The device code was already redeemed.")
	case d.Pending():
		if err := h.store.PutDeviceCode(ctx, d); err != nil {
			return nil, err
		}
		return nil, oauth.NewError(oauth.ErrCodeAuthorizationPending, "The user has not yet decided.")
	}

	d.Consumed = true
	if err := h.store.PutDeviceCode(ctx, d); err != nil {
		return nil, err
	}
	return h.issueTokens(ctx, issueParams{
		client:      client,
		userID:      d.AuthorizedBy,
		scopes:      oauth.Scopes(d.Scopes),
		withRefresh: true,
		authTime:    time.Now(),
	})
}

// jwtBearerGrant exchanges a JWT assertion for tokens on behalf of the subject
// it names (RFC 7523 section 2.1). No refresh token is issued; the assertion
// itself is the long-lived credential.
func (h *Handlers) jwtBearerGrant(ctx context.Context, client *entities.Client, r *http.Request) (*tokenResponse, error) {
	assertion := r.PostFormValue("assertion")
	if assertion == "" {
		return nil, oauth.InvalidRequest("The request is missing the required parameter 'assertion'.")
	}

	sub, err := h.assertions.VerifyGrantAssertion(ctx, client, assertion)
	if err != nil {
		return nil, err
	}
	user, err := h.users.GetUser(ctx, sub)
	if err != nil {
		if errors.Is(err, users.ErrUnknownUser) {
			return nil, oauth.InvalidGrant("The assertion subject is unknown.")
		}
		return nil, err
	}

	scopes, err := h.grantedScopes(client, r.PostFormValue("scope"))
	if err != nil {
		return nil, err
	}
	at, err := h.access.Issue(ctx, client.ID, user.ID, scopes, "")
	if err != nil {
		return nil, err
	}
	return &tokenResponse{
		AccessToken: at.Token,
		TokenType:   oauth.TokenTypeBearer,
		ExpiresIn:   int64(time.Until(at.ExpiresAt).Seconds()),
		Scope:       scopes.String(),
	}, nil
}

// grantedScopes resolves the scope parameter of a non-code grant: absent means
// the full client allowlist, present is checked against it.
func (h *Handlers) grantedScopes(client *entities.Client, raw string) (oauth.Scopes, error) {
	requested := oauth.ParseScopes(raw)
	if requested == nil {
		return client.AllowedScopes().Clone(), nil
	}
	return oauth.AllowScopes(requested, client.AllowedScopes(), h.cfg.PermissiveScopes)
}

// claimsForTarget resolves the id_token member of a claims request against the
// user service.
func (h *Handlers) claimsForTarget(ctx context.Context, userID string, req *oauth.ClaimsRequest) (map[string]any, error) {
	if req == nil || len(req.IDToken) == 0 {
		return nil, nil
	}
	return h.users.Claims(ctx, userID, oauth.Names(req.IDToken))
}

// revokeCodeDerivedTokens revokes everything a redeemed code produced, for
// code-reuse detection.
func (h *Handlers) revokeCodeDerivedTokens(ctx context.Context, code *entities.AuthorizationCode) error {
	for _, t := range code.IssuedAccessTokens {
		at, err := h.store.GetAccessToken(ctx, t)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		if err := h.access.Revoke(ctx, at); err != nil {
			return err
		}
	}
	for _, t := range code.IssuedRefreshTokens {
		rt, err := h.store.GetRefreshToken(ctx, t)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		if err := h.refresh.RevokeChain(ctx, rt.ChainID); err != nil {
			return err
		}
	}
	return nil
}
