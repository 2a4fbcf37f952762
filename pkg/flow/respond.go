// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
	"github.com/stacklok/authserver/pkg/token"
)

// finish builds the final authorization response for the selected response
// type: an authorization code, an access token, an ID token, or any hybrid
// combination. The grant is removed and its cookie cleared; authorization
// responses carry the iss parameter (RFC 9207).
func (e *Engine) finish(ctx context.Context, r *authzRequest, grant *entities.Grant, session *entities.Session, login *entities.Login, consent *entities.Consent) *Result {
	granted := r.scopes
	if consent != nil {
		granted = granted.Intersect(oauth.Scopes(consent.Scopes))
	}

	vals := url.Values{}
	vals.Set("iss", e.cfg.Issuer)
	if r.state != "" {
		vals.Set("state", r.state)
	}

	var issuedCode, issuedToken string
	if oauth.ResponseTypeHasCode(r.responseType) {
		code, err := e.codes.Issue(ctx, token.IssueParams{
			ClientID:            r.client.ID,
			UserID:              login.UserID,
			SessionID:           session.ID,
			LoginID:             login.ID,
			Scopes:              granted,
			RedirectURI:         r.redirectURI,
			CodeChallenge:       r.params.Get("code_challenge"),
			CodeChallengeMethod: r.params.Get("code_challenge_method"),
			Nonce:               r.params.Get("nonce"),
			State:               r.state,
			AuthTime:            login.CreatedAt,
			ACR:                 login.ACR,
			AMR:                 login.AMR,
			Claims:              r.claims,
		})
		if err != nil {
			return e.terminalError(ctx, r, grant, oauth.ToError(err))
		}
		issuedCode = code.Code
		vals.Set("code", code.Code)
	}

	if oauth.ResponseTypeHasToken(r.responseType) {
		at, err := e.access.Issue(ctx, r.client.ID, login.UserID, granted, "")
		if err != nil {
			return e.terminalError(ctx, r, grant, oauth.ToError(err))
		}
		issuedToken = at.Token
		vals.Set("access_token", at.Token)
		vals.Set("token_type", at.TokenType)
		vals.Set("expires_in", strconv.FormatInt(int64(time.Until(at.ExpiresAt).Seconds()), 10))
		vals.Set("scope", granted.String())
	}

	if oauth.ResponseTypeHasIDToken(r.responseType) {
		extra, err := e.idTokenClaims(ctx, r, login.UserID)
		if err != nil {
			return e.terminalError(ctx, r, grant, oauth.ToError(err))
		}
		idt, err := e.idTokens.Issue(ctx, token.IDTokenParams{
			Client:      r.client,
			UserID:      login.UserID,
			Nonce:       r.params.Get("nonce"),
			AuthTime:    login.CreatedAt,
			ACR:         login.ACR,
			AMR:         login.AMR,
			AccessToken: issuedToken,
			Code:        issuedCode,
			ExtraClaims: extra,
		})
		if err != nil {
			return e.terminalError(ctx, r, grant, oauth.ToError(err))
		}
		vals.Set("id_token", idt)
	}

	if err := e.store.DeleteGrant(ctx, grant.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Errorf("failed to delete completed grant %s: %v", grant.ID, err)
	}
	logger.Infow("authorization completed",
		"client_id", r.client.ID,
		"response_type", r.responseType,
		"scopes", granted.String())

	return &Result{
		Kind:         KindResponse,
		RedirectURI:  r.redirectURI,
		ResponseMode: r.responseMode,
		Parameters:   vals,
		ClientID:     r.client.ID,
		ClearGrant:   true,
	}
}

// idTokenClaims resolves the claims parameter's id_token target against the
// user service for ID tokens minted directly at the authorize endpoint.
func (e *Engine) idTokenClaims(ctx context.Context, r *authzRequest, userID string) (map[string]any, error) {
	if r.claims == nil || len(r.claims.IDToken) == 0 {
		return nil, nil
	}
	return e.users.Claims(ctx, userID, oauth.Names(r.claims.IDToken))
}
