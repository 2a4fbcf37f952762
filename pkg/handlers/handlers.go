// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers binds the protocol engine to HTTP: endpoint handlers,
// response mode renderers, discovery, and dynamic registration. Handlers
// validate and delegate; protocol errors travel as oauth.Error values and
// are serialized in exactly one place per delivery style.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/authserver/pkg/clientauth"
	"github.com/stacklok/authserver/pkg/flow"
	"github.com/stacklok/authserver/pkg/keys"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/metrics"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
	"github.com/stacklok/authserver/pkg/strategy"
	"github.com/stacklok/authserver/pkg/token"
	"github.com/stacklok/authserver/pkg/users"
)

// Cookie names for the browser-facing endpoints.
const (
	SessionCookie = "session"
	GrantCookie   = "grant"
)

// Endpoint paths, relative to the issuer.
const (
	PathAuthorize     = "/oauth/authorize"
	PathToken         = "/oauth/token"
	PathRevoke        = "/oauth/revoke"
	PathIntrospect    = "/oauth/introspect"
	PathUserinfo      = "/oauth/userinfo"
	PathLogout        = "/oauth/logout"
	PathDeviceAuth    = "/oauth/device_authorization"
	PathDeviceApprove = "/oauth/device_authorization/approve"
	PathInteraction   = "/oauth/interaction"
	PathJWKS          = "/oauth/jwks"
	PathRegister      = "/oauth/register"
	PathDiscoveryOIDC = "/.well-known/openid-configuration"
	PathDiscovery8414 = "/.well-known/oauth-authorization-server"
	PathHealth        = "/health"
	PathMetrics       = "/metrics"
)

// Config carries the handler-level feature switches.
type Config struct {
	Issuer string
	// Scopes is the advertised scopes_supported list.
	Scopes []string

	EnableRevocationEndpoint        bool
	EnableIntrospectionEndpoint     bool
	EnableRefreshTokenIntrospection bool
	EnableAccessTokenRevocation     bool
	EnableDeviceAuthorizationGrant  bool
	EnableRegistrationEndpoint      bool

	// PermissiveScopes narrows out-of-allowlist scope requests silently
	// instead of failing with invalid_scope.
	PermissiveScopes bool

	// SecureCookies marks session and grant cookies Secure. Disabled only
	// for plain-http development setups.
	SecureCookies bool

	// SessionCookieTTL bounds the session cookie lifetime. Zero keeps the
	// default of 24 hours.
	SessionCookieTTL time.Duration
}

// Handlers is the HTTP surface over the engine. All fields are immutable
// after construction.
type Handlers struct {
	cfg        Config
	store      storage.Store
	registry   *strategy.Registry
	dispatcher *clientauth.Dispatcher
	assertions *clientauth.AssertionVerifier
	engine     *flow.Engine
	access     *token.AccessTokenService
	refresh    *token.RefreshTokenService
	codes      *token.CodeService
	devices    *token.DeviceCodeService
	idTokens   *token.IDTokenService
	keys       keys.Provider
	users      users.Service
	sectors    *flow.SectorFetcher
	metrics    *metrics.Metrics
}

// Deps bundles the constructor inputs; all are required unless the matching
// feature is disabled.
type Deps struct {
	Store      storage.Store
	Registry   *strategy.Registry
	Dispatcher *clientauth.Dispatcher
	Assertions *clientauth.AssertionVerifier
	Engine     *flow.Engine
	Access     *token.AccessTokenService
	Refresh    *token.RefreshTokenService
	Codes      *token.CodeService
	Devices    *token.DeviceCodeService
	IDTokens   *token.IDTokenService
	Keys       keys.Provider
	Users      users.Service
	Sectors    *flow.SectorFetcher
	Metrics    *metrics.Metrics
}

// New wires the handler set.
func New(cfg Config, deps Deps) (*Handlers, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("handlers require an issuer")
	}
	if deps.Store == nil || deps.Registry == nil || deps.Engine == nil {
		return nil, fmt.Errorf("handlers require a store, a strategy registry, and a flow engine")
	}
	if cfg.SessionCookieTTL <= 0 {
		cfg.SessionCookieTTL = 24 * time.Hour
	}
	return &Handlers{
		cfg:        cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		assertions: deps.Assertions,
		engine:     deps.Engine,
		access:     deps.Access,
		refresh:    deps.Refresh,
		codes:      deps.Codes,
		devices:    deps.Devices,
		idTokens:   deps.IDTokens,
		keys:       deps.Keys,
		users:      deps.Users,
		sectors:    deps.Sectors,
		metrics:    deps.Metrics,
	}, nil
}

// writeJSON serializes a response document.
func writeJSON(w http.ResponseWriter, status int, doc any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		logger.Errorf("failed to encode response: %v", err)
	}
}

// writeTokenJSON is writeJSON plus the credential caching headers every
// token-bearing response must carry.
func writeTokenJSON(w http.ResponseWriter, status int, doc any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, status, doc)
}

// writeError serializes a protocol error as a direct JSON response, applying
// its status and headers. Internal errors are coerced to server_error.
func (h *Handlers) writeError(w http.ResponseWriter, endpoint string, err error) {
	oe := oauth.ToError(err)
	if oe.Code == oauth.ErrCodeServerError {
		logger.Errorw("internal error", "endpoint", endpoint, "error", err)
	}
	if h.metrics != nil {
		h.metrics.CountProtocolError(endpoint, oe.Code)
	}
	for key, values := range oe.Headers {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	writeTokenJSON(w, oe.Status, oe)
}

// setCookie writes a flow cookie with the hardening attributes.
func (h *Handlers) setCookie(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge.Seconds())
	}
	http.SetCookie(w, c)
}

// clearCookie expires a flow cookie.
func (h *Handlers) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// cookieValue reads a cookie, empty when absent.
func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
