// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/stacklok/authserver/pkg/crypto"
	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/keys"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// logoutTicketTTL bounds how long a logout confirmation may stay pending.
const logoutTicketTTL = 10 * time.Minute

// LogoutRequest is an RP-initiated logout as received at the logout endpoint.
type LogoutRequest struct {
	IDTokenHint           string
	ClientID              string
	PostLogoutRedirectURI string
	State                 string
	SessionID             string
}

// StartLogout freezes an RP-initiated logout into a ticket and returns the
// logout UI URL carrying the challenge. The post-logout redirect is validated
// against the identified client's registered set before the ticket exists.
func (e *Engine) StartLogout(ctx context.Context, keyProvider keys.Provider, req *LogoutRequest) (string, error) {
	if req.SessionID == "" {
		return "", oauth.InvalidRequest("The request carries no session to log out.")
	}
	if _, err := e.store.GetSession(ctx, req.SessionID); errors.Is(err, storage.ErrNotFound) {
		return "", oauth.InvalidRequest("The request carries no session to log out.")
	} else if err != nil {
		return "", err
	}

	client, err := e.logoutClient(ctx, keyProvider, req)
	if err != nil {
		return "", err
	}

	redirect := ""
	if req.PostLogoutRedirectURI != "" {
		if client == nil {
			return "", oauth.InvalidRequest("A post-logout redirect requires client identification via id_token_hint or client_id.")
		}
		for _, uri := range client.PostLogoutRedirectURIs {
			if uri == req.PostLogoutRedirectURI {
				redirect = uri
				break
			}
		}
		if redirect == "" {
			return "", oauth.InvalidRequest("The post-logout redirect URI is not registered for this client.")
		}
	}

	challenge, err := crypto.NewOpaqueToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	ticket := &entities.LogoutTicket{
		ID:                    uuid.NewString(),
		LogoutChallenge:       challenge,
		SessionID:             req.SessionID,
		PostLogoutRedirectURI: redirect,
		State:                 req.State,
		CreatedAt:             now,
		ExpiresAt:             now.Add(logoutTicketTTL),
	}
	if client != nil {
		ticket.ClientID = client.ID
	}
	if err := e.store.PutLogoutTicket(ctx, ticket); err != nil {
		return "", err
	}
	return challengeURL(e.cfg.LogoutURL, "logout_challenge", challenge), nil
}

// logoutClient identifies the requesting client from client_id or a verified
// id_token_hint. Both absent is acceptable; the logout then proceeds without
// a post-logout redirect.
func (e *Engine) logoutClient(ctx context.Context, keyProvider keys.Provider, req *LogoutRequest) (*entities.Client, error) {
	clientID := req.ClientID
	if clientID == "" && req.IDTokenHint != "" {
		aud, err := verifyIDTokenHint(ctx, keyProvider, req.IDTokenHint)
		if err != nil {
			return nil, oauth.InvalidRequest("The 'id_token_hint' could not be verified.")
		}
		clientID = aud
	}
	if clientID == "" {
		return nil, nil
	}
	client, err := e.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, oauth.InvalidRequest("The requested client does not exist.")
	}
	return client, err
}

// verifyIDTokenHint checks the hint's signature against the server's public
// keys and returns its audience. Expired hints are acceptable per OIDC
// RP-Initiated Logout; only the signature must hold.
func verifyIDTokenHint(ctx context.Context, keyProvider keys.Provider, raw string) (string, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{
		jose.ES256, jose.ES384, jose.ES512,
		jose.RS256, jose.RS384, jose.RS512,
		jose.PS256, jose.PS384, jose.PS512,
		jose.EdDSA,
	})
	if err != nil {
		return "", err
	}
	pubs, err := keyProvider.PublicKeys(ctx)
	if err != nil {
		return "", err
	}
	var claims jwt.Claims
	for i := range pubs {
		if err := tok.Claims(pubs[i].PublicKey, &claims); err == nil {
			if len(claims.Audience) == 0 {
				return "", errors.New("id_token_hint has no audience")
			}
			return claims.Audience[0], nil
		}
	}
	return "", errors.New("id_token_hint matches no server key")
}

// LogoutContext is the snapshot for the logout confirmation UI.
type LogoutContext struct {
	Challenge string `json:"challenge"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

// LogoutDecision is the logout UI's callback.
type LogoutDecision struct {
	Accept bool `json:"accept"`
}

// HandleLogoutContext returns the snapshot for a logout challenge.
func (e *Engine) HandleLogoutContext(ctx context.Context, challenge string) (*LogoutContext, error) {
	ticket, err := e.logoutTicket(ctx, challenge)
	if err != nil {
		return nil, err
	}
	lc := &LogoutContext{Challenge: challenge, ClientID: ticket.ClientID}
	if session, serr := e.store.GetSession(ctx, ticket.SessionID); serr == nil {
		if login, lerr := e.activeLogin(ctx, session, time.Now()); lerr == nil && login != nil {
			lc.Subject = login.UserID
		}
	}
	return lc, nil
}

// HandleLogoutDecision finishes or aborts the logout. On accept the session
// is deleted and the browser continues at the validated post-logout redirect
// (with state appended) or, absent one, at an empty URL the transport treats
// as a plain confirmation. The session cookie is cleared by the transport.
func (e *Engine) HandleLogoutDecision(ctx context.Context, challenge string, d *LogoutDecision) (string, error) {
	ticket, err := e.logoutTicket(ctx, challenge)
	if err != nil {
		return "", err
	}
	if err := e.store.DeleteLogoutTicket(ctx, ticket.LogoutChallenge); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if !d.Accept {
		oe := oauth.AccessDenied("The resource owner declined to log out.")
		return errorRedirectURL(e.cfg.ErrorURL, oe), nil
	}
	if err := e.store.DeleteSession(ctx, ticket.SessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	logger.Infow("session logged out", "session_id", ticket.SessionID, "client_id", ticket.ClientID)

	if ticket.PostLogoutRedirectURI == "" {
		return "", nil
	}
	redirect := ticket.PostLogoutRedirectURI
	if ticket.State != "" {
		sep := "?"
		if u, perr := url.Parse(redirect); perr == nil && u.RawQuery != "" {
			sep = "&"
		}
		redirect += sep + "state=" + url.QueryEscape(ticket.State)
	}
	return redirect, nil
}

func (e *Engine) logoutTicket(ctx context.Context, challenge string) (*entities.LogoutTicket, error) {
	if challenge == "" {
		return nil, oauth.InvalidRequest("The request is missing the logout challenge.")
	}
	ticket, err := e.store.GetLogoutTicket(ctx, challenge)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, oauth.InvalidRequest("The logout challenge is unknown or no longer valid.")
	}
	if err != nil {
		return nil, err
	}
	if ticket.Expired(time.Now()) {
		if err := e.store.DeleteLogoutTicket(ctx, challenge); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, oauth.InvalidRequest("The logout challenge has expired.")
	}
	return ticket, nil
}
