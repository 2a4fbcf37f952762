// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
	"github.com/stacklok/authserver/pkg/users"
)

// ClientSummary is the client view handed to interaction UIs.
type ClientSummary struct {
	ID        string `json:"client_id"`
	Name      string `json:"client_name,omitempty"`
	URI       string `json:"client_uri,omitempty"`
	LogoURI   string `json:"logo_uri,omitempty"`
	PolicyURI string `json:"policy_uri,omitempty"`
	TOSURI    string `json:"tos_uri,omitempty"`
}

func summarize(c *entities.Client) ClientSummary {
	return ClientSummary{
		ID:        c.ID,
		Name:      c.ClientName,
		URI:       c.ClientURI,
		LogoURI:   c.LogoURI,
		PolicyURI: c.PolicyURI,
		TOSURI:    c.TOSURI,
	}
}

// LoginContext is the read-only snapshot for the login UI.
type LoginContext struct {
	Challenge       string        `json:"challenge"`
	Client          ClientSummary `json:"client"`
	RequestedScopes []string      `json:"requested_scopes"`
	// Skip signals the session already has an active login; the UI may
	// confirm it instead of prompting for credentials.
	Skip      bool     `json:"skip"`
	Subject   string   `json:"subject,omitempty"`
	LoginHint string   `json:"login_hint,omitempty"`
	ACRValues string   `json:"acr_values,omitempty"`
	UILocales string   `json:"ui_locales,omitempty"`
	Display   string   `json:"display,omitempty"`
	Prompts   []string `json:"prompts,omitempty"`
}

// LoginDecision is the login UI's authenticated callback. Exactly one of
// Subject or Username/Password identifies the user on accept.
type LoginDecision struct {
	Accept bool `json:"accept"`
	// Subject is the already-authenticated user id.
	Subject string `json:"subject,omitempty"`
	// Username/Password delegate the credential check to the user service.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	ACR string   `json:"acr,omitempty"`
	AMR []string `json:"amr,omitempty"`

	// Error/ErrorDescription override access_denied on deny.
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// grantByChallenge resolves a grant through one of its challenges and applies
// the expiry rule: interactions on an expired grant remove it.
func (e *Engine) grantByChallenge(ctx context.Context, lookup func(context.Context, string) (*entities.Grant, error), challenge string) (*entities.Grant, error) {
	if challenge == "" {
		return nil, oauth.InvalidRequest("The request is missing the interaction challenge.")
	}
	g, err := lookup(ctx, challenge)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, oauth.InvalidRequest("The interaction challenge is unknown or no longer valid.")
	}
	if err != nil {
		return nil, err
	}
	if g.Expired(time.Now()) {
		if err := e.store.DeleteGrant(ctx, g.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, oauth.AccessDenied(expiredGrantDescription)
	}
	return g, nil
}

// updateGrant persists an interaction outcome. Two decisions racing on one
// grant serialize through the store's compare-and-set; the loser fails with
// invalid_request.
func (e *Engine) updateGrant(ctx context.Context, g *entities.Grant) error {
	err := e.store.UpdateGrant(ctx, g)
	if errors.Is(err, storage.ErrConflict) {
		return oauth.InvalidRequest("The interaction was already decided.")
	}
	return err
}

// denyRedirect terminates the flow at the error URL with the UI's error, or
// access_denied when it supplied none.
func (e *Engine) denyRedirect(ctx context.Context, g *entities.Grant, code, description string) (string, error) {
	if err := e.store.DeleteGrant(ctx, g.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if code == "" {
		code = oauth.ErrCodeAccessDenied
		if description == "" {
			description = "The resource owner denied the request."
		}
	}
	return errorRedirectURL(e.cfg.ErrorURL, oauth.NewError(code, description)), nil
}

// HandleLoginContext returns the login UI snapshot for a login challenge.
func (e *Engine) HandleLoginContext(ctx context.Context, challenge string) (*LoginContext, error) {
	g, err := e.grantByChallenge(ctx, e.store.GetGrantByLoginChallenge, challenge)
	if err != nil {
		return nil, err
	}
	client, err := e.store.GetClient(ctx, g.ClientID)
	if err != nil {
		return nil, err
	}

	lc := &LoginContext{
		Challenge:       challenge,
		Client:          summarize(client),
		RequestedScopes: oauth.ParseScopes(g.Parameters.Get("scope")),
		LoginHint:       g.Parameters.Get("login_hint"),
		ACRValues:       g.Parameters.Get("acr_values"),
		UILocales:       g.Parameters.Get("ui_locales"),
		Display:         g.Parameters.Get("display"),
	}
	lc.Prompts, _ = oauth.ParsePrompt(g.Parameters.Get("prompt"))

	session, err := e.store.GetSession(ctx, g.SessionID)
	if err == nil && session.ActiveLoginID != "" {
		if login, lerr := e.store.GetLogin(ctx, session.ActiveLoginID); lerr == nil && !login.Expired(time.Now()) {
			lc.Skip = true
			lc.Subject = login.UserID
		}
	}
	return lc, nil
}

// HandleLoginDecision records the login UI's verdict and returns the URL the
// browser continues at.
func (e *Engine) HandleLoginDecision(ctx context.Context, challenge string, d *LoginDecision) (string, error) {
	g, err := e.grantByChallenge(ctx, e.store.GetGrantByLoginChallenge, challenge)
	if err != nil {
		return "", err
	}
	if !d.Accept {
		return e.denyRedirect(ctx, g, d.Error, d.ErrorDescription)
	}

	user, err := e.resolveUser(ctx, d)
	if err != nil {
		return "", err
	}
	client, err := e.store.GetClient(ctx, g.ClientID)
	if err != nil {
		return "", err
	}
	// An acr outside the client's registered set cannot satisfy the request;
	// the grant is unsalvageable.
	if d.ACR != "" && !client.HasACRValue(d.ACR) {
		if err := e.store.DeleteGrant(ctx, g.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
		oe := oauth.NewError(oauth.ErrCodeUnmetAuthnRequirements,
			"The performed authentication does not satisfy the client's acr requirements.")
		return errorRedirectURL(e.cfg.ErrorURL, oe), nil
	}

	now := time.Now()
	login := &entities.Login{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		ACR:       d.ACR,
		AMR:       d.AMR,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.LoginTTL),
	}
	if err := e.store.PutLogin(ctx, login); err != nil {
		return "", err
	}

	session, err := e.store.GetSession(ctx, g.SessionID)
	if err != nil {
		return "", err
	}
	session.PushLogin(login.ID)
	if err := e.store.PutSession(ctx, session); err != nil {
		return "", err
	}

	g.RecordInteraction(entities.InteractionLogin)
	if err := e.updateGrant(ctx, g); err != nil {
		return "", err
	}
	logger.Infow("login accepted", "grant_id", g.ID, "user_id", user.ID)
	return e.resumeURL(g.Parameters), nil
}

// resolveUser maps a login decision to a user record, either by trusted
// subject or by delegated credential check.
func (e *Engine) resolveUser(ctx context.Context, d *LoginDecision) (*users.User, error) {
	if d.Subject != "" {
		u, err := e.users.GetUser(ctx, d.Subject)
		if errors.Is(err, users.ErrUnknownUser) {
			return nil, oauth.InvalidRequest("The asserted subject does not resolve to a user.")
		}
		return u, err
	}
	if d.Username == "" {
		return nil, oauth.InvalidRequest("The login decision carries neither a subject nor credentials.")
	}
	u, err := e.users.VerifyCredentials(ctx, d.Username, d.Password)
	if errors.Is(err, users.ErrBadCredentials) {
		return nil, oauth.AccessDenied("The provided credentials are invalid.")
	}
	return u, err
}

// ConsentContext is the read-only snapshot for the consent UI.
type ConsentContext struct {
	Challenge       string        `json:"challenge"`
	Client          ClientSummary `json:"client"`
	Subject         string        `json:"subject"`
	RequestedScopes []string      `json:"requested_scopes"`
	UILocales       string        `json:"ui_locales,omitempty"`
	Display         string        `json:"display,omitempty"`
}

// ConsentDecision is the consent UI's callback. GrantedScopes must be a
// subset of the requested scopes.
type ConsentDecision struct {
	Accept           bool     `json:"accept"`
	GrantedScopes    []string `json:"granted_scopes,omitempty"`
	Error            string   `json:"error,omitempty"`
	ErrorDescription string   `json:"error_description,omitempty"`
}

// HandleConsentContext returns the consent UI snapshot for a consent
// challenge.
func (e *Engine) HandleConsentContext(ctx context.Context, challenge string) (*ConsentContext, error) {
	g, err := e.grantByChallenge(ctx, e.store.GetGrantByConsentChallenge, challenge)
	if err != nil {
		return nil, err
	}
	client, err := e.store.GetClient(ctx, g.ClientID)
	if err != nil {
		return nil, err
	}
	login, err := e.grantLogin(ctx, g)
	if err != nil {
		return nil, err
	}
	return &ConsentContext{
		Challenge:       challenge,
		Client:          summarize(client),
		Subject:         login.UserID,
		RequestedScopes: oauth.ParseScopes(g.Parameters.Get("scope")),
		UILocales:       g.Parameters.Get("ui_locales"),
		Display:         g.Parameters.Get("display"),
	}, nil
}

// HandleConsentDecision records the consent verdict and returns the
// continuation URL.
func (e *Engine) HandleConsentDecision(ctx context.Context, challenge string, d *ConsentDecision) (string, error) {
	g, err := e.grantByChallenge(ctx, e.store.GetGrantByConsentChallenge, challenge)
	if err != nil {
		return "", err
	}
	if !d.Accept {
		return e.denyRedirect(ctx, g, d.Error, d.ErrorDescription)
	}

	login, err := e.grantLogin(ctx, g)
	if err != nil {
		return "", err
	}

	requested := oauth.ParseScopes(g.Parameters.Get("scope"))
	granted := oauth.Scopes(d.GrantedScopes)
	if granted == nil {
		granted = requested
	}
	if !granted.SubsetOf(requested) {
		return "", oauth.InvalidRequest("The granted scopes exceed the requested scopes.")
	}

	now := time.Now()
	consent := &entities.Consent{
		ID:        uuid.NewString(),
		ClientID:  g.ClientID,
		UserID:    login.UserID,
		Scopes:    granted.Clone(),
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.ConsentTTL),
	}
	if err := e.store.PutConsent(ctx, consent); err != nil {
		return "", err
	}

	g.ConsentID = consent.ID
	g.RecordInteraction(entities.InteractionConsent)
	if err := e.updateGrant(ctx, g); err != nil {
		return "", err
	}
	logger.Infow("consent accepted", "grant_id", g.ID, "user_id", login.UserID, "scopes", granted.String())
	return e.resumeURL(g.Parameters), nil
}

// grantLogin resolves the active login of the grant's session. Consent and
// account selection require an authenticated user.
func (e *Engine) grantLogin(ctx context.Context, g *entities.Grant) (*entities.Login, error) {
	session, err := e.store.GetSession(ctx, g.SessionID)
	if err != nil {
		return nil, err
	}
	login, err := e.activeLogin(ctx, session, time.Now())
	if err != nil {
		return nil, err
	}
	if login == nil {
		return nil, oauth.InvalidRequest("The session has no active login for this interaction.")
	}
	return login, nil
}

// AccountOption is one selectable login for the select_account UI.
type AccountOption struct {
	LoginID  string    `json:"login_id"`
	Subject  string    `json:"subject"`
	Username string    `json:"username,omitempty"`
	LoginAt  time.Time `json:"login_at"`
	Active   bool      `json:"active"`
}

// SelectAccountContext is the snapshot for the select_account UI.
type SelectAccountContext struct {
	Challenge string          `json:"challenge"`
	Client    ClientSummary   `json:"client"`
	Accounts  []AccountOption `json:"accounts"`
}

// SelectAccountDecision picks one login from the session's stack.
type SelectAccountDecision struct {
	LoginID string `json:"login_id"`
}

// HandleSelectAccountContext lists the session's logins for the picker.
func (e *Engine) HandleSelectAccountContext(ctx context.Context, challenge string) (*SelectAccountContext, error) {
	g, err := e.grantByChallenge(ctx, e.store.GetGrantByLoginChallenge, challenge)
	if err != nil {
		return nil, err
	}
	client, err := e.store.GetClient(ctx, g.ClientID)
	if err != nil {
		return nil, err
	}
	session, err := e.store.GetSession(ctx, g.SessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sc := &SelectAccountContext{Challenge: challenge, Client: summarize(client)}
	for _, loginID := range session.LoginIDs {
		login, err := e.store.GetLogin(ctx, loginID)
		if err != nil || login.Expired(now) {
			continue
		}
		opt := AccountOption{
			LoginID: login.ID,
			Subject: login.UserID,
			LoginAt: login.CreatedAt,
			Active:  login.ID == session.ActiveLoginID,
		}
		if u, uerr := e.users.GetUser(ctx, login.UserID); uerr == nil {
			opt.Username = u.Username
		}
		sc.Accounts = append(sc.Accounts, opt)
	}
	return sc, nil
}

// HandleSelectAccountDecision activates the chosen login and resumes.
func (e *Engine) HandleSelectAccountDecision(ctx context.Context, challenge string, d *SelectAccountDecision) (string, error) {
	g, err := e.grantByChallenge(ctx, e.store.GetGrantByLoginChallenge, challenge)
	if err != nil {
		return "", err
	}
	session, err := e.store.GetSession(ctx, g.SessionID)
	if err != nil {
		return "", err
	}
	if !session.HasLogin(d.LoginID) {
		return "", oauth.InvalidRequest("The selected login is not part of this session.")
	}
	session.ActiveLoginID = d.LoginID
	if err := e.store.PutSession(ctx, session); err != nil {
		return "", err
	}

	g.RecordInteraction(entities.InteractionSelectAccount)
	if err := e.updateGrant(ctx, g); err != nil {
		return "", err
	}
	return e.resumeURL(g.Parameters), nil
}

// CreateDecision is the account-creation UI's callback.
type CreateDecision struct {
	Username string         `json:"username"`
	Password string         `json:"password"`
	Claims   map[string]any `json:"claims,omitempty"`
}

// HandleCreateContext returns the snapshot for the account-creation UI. It
// shares the login snapshot shape.
func (e *Engine) HandleCreateContext(ctx context.Context, challenge string) (*LoginContext, error) {
	return e.HandleLoginContext(ctx, challenge)
}

// HandleCreateDecision allocates the user, logs them in, and resumes.
func (e *Engine) HandleCreateDecision(ctx context.Context, challenge string, d *CreateDecision) (string, error) {
	g, err := e.grantByChallenge(ctx, e.store.GetGrantByLoginChallenge, challenge)
	if err != nil {
		return "", err
	}
	if d.Username == "" || d.Password == "" {
		return "", oauth.InvalidRequest("Account creation requires a username and a password.")
	}
	user, err := e.users.CreateUser(ctx, d.Username, d.Password, d.Claims)
	if errors.Is(err, users.ErrUserExists) {
		return "", oauth.InvalidRequest("The requested username is already taken.")
	}
	if err != nil {
		return "", err
	}

	now := time.Now()
	login := &entities.Login{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		AMR:       []string{"pwd"},
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.LoginTTL),
	}
	if err := e.store.PutLogin(ctx, login); err != nil {
		return "", err
	}
	session, err := e.store.GetSession(ctx, g.SessionID)
	if err != nil {
		return "", err
	}
	session.PushLogin(login.ID)
	if err := e.store.PutSession(ctx, session); err != nil {
		return "", err
	}

	// The fresh account is also the fresh login; both interactions are done.
	g.RecordInteraction(entities.InteractionCreate)
	g.RecordInteraction(entities.InteractionLogin)
	if err := e.updateGrant(ctx, g); err != nil {
		return "", err
	}
	logger.Infow("account created", "grant_id", g.ID, "user_id", user.ID)
	return e.resumeURL(g.Parameters), nil
}
