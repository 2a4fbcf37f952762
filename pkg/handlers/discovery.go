// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"sort"

	"github.com/stacklok/authserver/pkg/keys"
	"github.com/stacklok/authserver/pkg/oauth"
)

// discoveryCacheControl allows caching of the stable documents. The metadata
// only changes on reconfiguration, which implies a restart.
const discoveryCacheControl = "public, max-age=3600"

// Discovery serves the server metadata document. One document backs both the
// OIDC discovery path and the RFC 8414 path.
func (h *Handlers) Discovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", discoveryCacheControl)
	writeJSON(w, http.StatusOK, h.metadata())
}

func (h *Handlers) metadata() *oauth.ServerMetadata {
	issuer := h.cfg.Issuer
	doc := &oauth.ServerMetadata{
		Issuer:                            issuer,
		UserinfoEndpoint:                  issuer + PathUserinfo,
		JWKSURI:                           issuer + PathJWKS,
		EndSessionEndpoint:                issuer + PathLogout,
		ScopesSupported:                   h.cfg.Scopes,
		ResponseTypesSupported:            h.registry.ResponseTypes(),
		ResponseModesSupported:            h.registry.ResponseModes(),
		GrantTypesSupported:               h.registry.GrantTypes(),
		TokenEndpointAuthMethodsSupported: h.registry.ClientAuthMethods(),
		CodeChallengeMethodsSupported:     h.registry.PKCEMethods(),
		SubjectTypesSupported:             []string{oauth.SubjectTypePublic, oauth.SubjectTypePairwise},
		IDTokenSigningAlgValuesSupported:  sortedAlgs(h.idTokens.SupportedAlgorithms()),
		UserinfoSigningAlgValuesSupported: sortedAlgs(h.idTokens.SupportedAlgorithms()),
		DisplayValuesSupported:            h.registry.Displays(),
		PromptValuesSupported:             h.registry.Prompts(),
		ACRValuesSupported:                h.registry.ACRValues(),
		ClaimsSupported:                   supportedClaims(),
		ClaimsParameterSupported:          true,
		AuthorizationResponseIssParam:     true,
	}
	if h.registry.AuthorizeEndpointEnabled() {
		doc.AuthorizationEndpoint = issuer + PathAuthorize
	}
	if h.registry.TokenEndpointEnabled() {
		doc.TokenEndpoint = issuer + PathToken
	}
	if h.cfg.EnableRevocationEndpoint {
		doc.RevocationEndpoint = issuer + PathRevoke
	}
	if h.cfg.EnableIntrospectionEndpoint {
		doc.IntrospectionEndpoint = issuer + PathIntrospect
	}
	if h.cfg.EnableDeviceAuthorizationGrant {
		doc.DeviceAuthorizationEndpoint = issuer + PathDeviceAuth
	}
	if h.cfg.EnableRegistrationEndpoint {
		doc.RegistrationEndpoint = issuer + PathRegister
	}
	return doc
}

// sortedAlgs orders an algorithm list for a stable document.
func sortedAlgs(algs []string) []string {
	out := make([]string, len(algs))
	copy(out, algs)
	sort.Strings(out)
	return out
}

func supportedClaims() []string {
	return []string{
		"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "acr", "amr",
		"name", "preferred_username", "email", "email_verified",
	}
}

// JWKS serves the public half of the signing keys.
func (h *Handlers) JWKS(w http.ResponseWriter, r *http.Request) {
	set, err := keys.PublicJWKS(r.Context(), h.keys)
	if err != nil {
		h.writeError(w, "jwks", err)
		return
	}
	w.Header().Set("Cache-Control", discoveryCacheControl)
	writeJSON(w, http.StatusOK, set)
}

// Health reports backend reachability.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
