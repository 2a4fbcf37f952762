// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package flow implements the grant state machine behind the authorize
// endpoint and the interaction engine the login/consent UI talks to. The
// engine owns no transport concerns: it consumes parsed parameters and cookie
// values and returns a structured result the HTTP layer renders.
package flow

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
	"github.com/stacklok/authserver/pkg/strategy"
	"github.com/stacklok/authserver/pkg/token"
	"github.com/stacklok/authserver/pkg/users"
)

// Default lifetimes for the flow records.
const (
	DefaultSessionTTL = 24 * time.Hour
	DefaultLoginTTL   = 24 * time.Hour
	DefaultGrantTTL   = 5 * time.Minute
	DefaultConsentTTL = 30 * 24 * time.Hour

	// DefaultAuthorizePath is where resumption redirects point back to.
	DefaultAuthorizePath = "/oauth/authorize"
)

// expiredGrantDescription is the wire description for grants past their
// window, at the authorize endpoint and at every interaction endpoint alike.
const expiredGrantDescription = "Expired Grant."

// Config carries the engine's interaction URLs and record lifetimes.
type Config struct {
	// Issuer is the server's issuer identifier, used for the iss response
	// parameter and for building resumption URLs.
	Issuer string
	// AuthorizePath is the authorize endpoint path under the issuer.
	AuthorizePath string

	// Interaction UI locations. Challenges are appended as query parameters.
	LoginURL         string
	ConsentURL       string
	SelectAccountURL string
	CreateURL        string
	ErrorURL         string
	LogoutURL        string

	SessionTTL time.Duration
	LoginTTL   time.Duration
	GrantTTL   time.Duration
	ConsentTTL time.Duration

	// PermissiveScopes narrows out-of-allowlist scopes silently instead of
	// failing with invalid_scope.
	PermissiveScopes bool
}

func (c *Config) applyDefaults() {
	if c.AuthorizePath == "" {
		c.AuthorizePath = DefaultAuthorizePath
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.LoginTTL <= 0 {
		c.LoginTTL = DefaultLoginTTL
	}
	if c.GrantTTL <= 0 {
		c.GrantTTL = DefaultGrantTTL
	}
	if c.ConsentTTL <= 0 {
		c.ConsentTTL = DefaultConsentTTL
	}
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("flow engine requires an issuer")
	}
	if c.LoginURL == "" || c.ConsentURL == "" || c.ErrorURL == "" {
		return fmt.Errorf("flow engine requires login, consent, and error URLs")
	}
	return nil
}

// Engine drives authorizations across HTTP round-trips. It is safe for
// concurrent use; all mutable state lives in the stores.
type Engine struct {
	cfg      Config
	store    storage.Store
	registry *strategy.Registry
	codes    *token.CodeService
	access   *token.AccessTokenService
	idTokens *token.IDTokenService
	users    users.Service
}

// NewEngine validates the configuration and builds the engine.
func NewEngine(cfg Config, store storage.Store, registry *strategy.Registry, codes *token.CodeService, access *token.AccessTokenService, idTokens *token.IDTokenService, userSvc users.Service) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		codes:    codes,
		access:   access,
		idTokens: idTokens,
		users:    userSvc,
	}, nil
}

// Request is an authorize call as the HTTP layer sees it: the merged
// query/body parameters plus the session and grant cookie values.
type Request struct {
	Params    url.Values
	SessionID string
	GrantID   string
}

// ResultKind selects how the HTTP layer renders an authorize result.
type ResultKind int

const (
	// KindErrorPage renders the error directly; the user agent is never
	// redirected. Used only when client_id or redirect_uri cannot be trusted.
	KindErrorPage ResultKind = iota
	// KindInteractionRedirect sends the user agent to an interaction UI.
	KindInteractionRedirect
	// KindResponse delivers Parameters to RedirectURI via ResponseMode.
	// Success and redirectable errors both use this kind.
	KindResponse
)

// Result is the outcome of one pass through the state machine.
type Result struct {
	Kind ResultKind

	// Err is set for KindErrorPage.
	Err *oauth.Error

	// RedirectTo is the interaction UI URL for KindInteractionRedirect.
	RedirectTo string

	// Response delivery for KindResponse.
	RedirectURI  string
	ResponseMode string
	Parameters   url.Values
	// ClientID identifies the audience, for the jwt response mode.
	ClientID string

	// Cookie management. SessionID is always populated; SetGrantID asks the
	// transport to (re)write the grant cookie, ClearGrant to drop it.
	SessionID  string
	SetGrantID string
	ClearGrant bool
}

// errorPage builds a non-redirecting terminal result.
func errorPage(err error) *Result {
	return &Result{Kind: KindErrorPage, Err: oauth.ToError(err)}
}

// errorRedirectURL renders an error onto a UI URL, for interaction decisions
// that terminate the flow.
func errorRedirectURL(base string, oe *oauth.Error) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + oe.Values().Encode()
}

// challengeURL appends an interaction challenge to a UI URL.
func challengeURL(base, param, challenge string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + param + "=" + url.QueryEscape(challenge)
}

// resumeURL points the user agent back at the authorize endpoint with the
// grant's frozen parameters, so the state machine re-enters deterministically.
func (e *Engine) resumeURL(params url.Values) string {
	return e.cfg.Issuer + e.cfg.AuthorizePath + "?" + params.Encode()
}
