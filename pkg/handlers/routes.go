// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes assembles the server's HTTP surface. Endpoints disabled by
// configuration are simply not mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get(PathDiscoveryOIDC, h.instrument("discovery", h.Discovery))
	r.Get(PathDiscovery8414, h.instrument("discovery", h.Discovery))
	r.Get(PathJWKS, h.instrument("jwks", h.JWKS))
	r.Get(PathHealth, h.Health)

	if h.registry.AuthorizeEndpointEnabled() {
		authorize := h.instrument("authorize", h.Authorize)
		r.Get(PathAuthorize, authorize)
		r.Post(PathAuthorize, authorize)

		r.Route(PathInteraction, func(r chi.Router) {
			r.Get("/login", h.LoginInteraction)
			r.Post("/login", h.LoginInteraction)
			r.Get("/consent", h.ConsentInteraction)
			r.Post("/consent", h.ConsentInteraction)
			r.Get("/select_account", h.SelectAccountInteraction)
			r.Post("/select_account", h.SelectAccountInteraction)
			r.Get("/create", h.CreateInteraction)
			r.Post("/create", h.CreateInteraction)
			r.Get("/logout", h.LogoutInteraction)
			r.Post("/logout", h.LogoutInteraction)
		})

		logout := h.instrument("logout", h.Logout)
		r.Get(PathLogout, logout)
		r.Post(PathLogout, logout)
	}

	if h.registry.TokenEndpointEnabled() {
		r.Post(PathToken, h.instrument("token", h.Token))
	}
	if h.cfg.EnableRevocationEndpoint {
		r.Post(PathRevoke, h.instrument("revoke", h.Revoke))
	}
	if h.cfg.EnableIntrospectionEndpoint {
		r.Post(PathIntrospect, h.instrument("introspect", h.Introspect))
	}

	userinfo := h.instrument("userinfo", h.Userinfo)
	r.Get(PathUserinfo, userinfo)
	r.Post(PathUserinfo, userinfo)

	if h.cfg.EnableDeviceAuthorizationGrant {
		r.Post(PathDeviceAuth, h.instrument("device_authorization", h.DeviceAuthorization))
		r.Post(PathDeviceApprove, h.instrument("device_approve", h.DeviceApprove))
	}

	if h.cfg.EnableRegistrationEndpoint {
		r.Post(PathRegister, h.instrument("register", h.Register))
		r.Get(PathRegister+"/{clientID}", h.RegistrationGet)
		r.Put(PathRegister+"/{clientID}", h.RegistrationUpdate)
		r.Delete(PathRegister+"/{clientID}", h.RegistrationDelete)
	}

	if h.metrics != nil {
		r.Method(http.MethodGet, PathMetrics, h.metrics.Handler())
	}
	return r
}

// instrument wraps a handler with the request duration histogram when metrics
// are configured.
func (h *Handlers) instrument(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	if h.metrics == nil {
		return fn
	}
	wrapped := h.metrics.Middleware(endpoint)(fn)
	return wrapped.ServeHTTP
}
