// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// introspectionResponse is the RFC 7662 document. Inactive tokens reveal
// nothing but the active flag.
type introspectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Nbf       int64  `json:"nbf,omitempty"`
	Aud       string `json:"aud,omitempty"`
	Iss       string `json:"iss,omitempty"`
	Jti       string `json:"jti,omitempty"`
}

// resolveUsername maps a token's user id to the directory username. Userless
// tokens and lookup failures leave the claim out.
func (h *Handlers) resolveUsername(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	user, err := h.users.GetUser(ctx, userID)
	if err != nil {
		return ""
	}
	return user.Username
}

// Introspect implements RFC 7662. A token that is unknown, expired, revoked,
// or owned by another client uniformly reports active: false.
func (h *Handlers) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, "introspect", oauth.InvalidRequest("The request body could not be parsed."))
		return
	}
	client, err := h.dispatcher.Authenticate(r.Context(), r)
	if err != nil {
		h.writeError(w, "introspect", err)
		return
	}
	raw := r.PostFormValue("token")
	if raw == "" {
		h.writeError(w, "introspect", oauth.InvalidRequest("The request is missing the required parameter 'token'."))
		return
	}

	now := time.Now()
	hint := r.PostFormValue("token_type_hint")

	if hint != oauth.TokenTypeHintRefreshToken {
		at, err := h.store.GetAccessToken(r.Context(), raw)
		if err == nil {
			if at.ClientID == client.ID && at.Active(now) {
				writeTokenJSON(w, http.StatusOK, &introspectionResponse{
					Active:    true,
					Scope:     strings.Join(at.Scopes, " "),
					ClientID:  at.ClientID,
					Username:  h.resolveUsername(r.Context(), at.UserID),
					TokenType: at.TokenType,
					Sub:       at.UserID,
					Exp:       at.ExpiresAt.Unix(),
					Iat:       at.IssuedAt.Unix(),
					Nbf:       at.ValidAfter.Unix(),
					Aud:       at.ClientID,
					Iss:       h.cfg.Issuer,
					Jti:       at.Token,
				})
				return
			}
			writeTokenJSON(w, http.StatusOK, &introspectionResponse{Active: false})
			return
		}
		if !errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, "introspect", err)
			return
		}
	}

	if h.cfg.EnableRefreshTokenIntrospection {
		rt, err := h.store.GetRefreshToken(r.Context(), raw)
		if err == nil {
			if rt.ClientID == client.ID && rt.Active(now) {
				// A refresh token becomes valid the moment it is issued, so
				// ValidAfter doubles as the issuance instant.
				writeTokenJSON(w, http.StatusOK, &introspectionResponse{
					Active:    true,
					Scope:     strings.Join(rt.Scopes, " "),
					ClientID:  rt.ClientID,
					Username:  h.resolveUsername(r.Context(), rt.UserID),
					TokenType: oauth.TokenTypeHintRefreshToken,
					Sub:       rt.UserID,
					Exp:       rt.ExpiresAt.Unix(),
					Iat:       rt.ValidAfter.Unix(),
					Nbf:       rt.ValidAfter.Unix(),
					Aud:       rt.ClientID,
					Iss:       h.cfg.Issuer,
					Jti:       rt.Token,
				})
				return
			}
			writeTokenJSON(w, http.StatusOK, &introspectionResponse{Active: false})
			return
		}
		if !errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, "introspect", err)
			return
		}
	}

	writeTokenJSON(w, http.StatusOK, &introspectionResponse{Active: false})
}
