// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// Userinfo implements the OIDC userinfo endpoint for GET and POST. The
// response carries the claims implied by the granted scopes, signed when the
// client registered a userinfo algorithm.
func (h *Handlers) Userinfo(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		h.writeError(w, "userinfo", oauth.InvalidToken("The request carries no access token.").
			WithHeader("WWW-Authenticate", `Bearer realm="oauth"`))
		return
	}

	at, err := h.store.GetAccessToken(r.Context(), raw)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, "userinfo", invalidBearer())
			return
		}
		h.writeError(w, "userinfo", err)
		return
	}
	if !at.Active(time.Now()) || at.UserID == "" {
		h.writeError(w, "userinfo", invalidBearer())
		return
	}
	scopes := oauth.Scopes(at.Scopes)
	if !scopes.HasOpenID() {
		h.writeError(w, "userinfo", oauth.NewError(oauth.ErrCodeInsufficientScope,
			"The access token does not carry the 'openid' scope.").
			WithHeader("WWW-Authenticate", `Bearer realm="oauth", error="insufficient_scope"`))
		return
	}

	client, err := h.store.GetClient(r.Context(), at.ClientID)
	if err != nil {
		h.writeError(w, "userinfo", err)
		return
	}
	sub, err := h.idTokens.Subject(client, at.UserID)
	if err != nil {
		h.writeError(w, "userinfo", err)
		return
	}

	claims, err := h.users.Claims(r.Context(), at.UserID, oauth.ClaimsForScopes(scopes))
	if err != nil {
		h.writeError(w, "userinfo", err)
		return
	}
	doc := make(map[string]any, len(claims)+1)
	for k, v := range claims {
		doc[k] = v
	}
	doc["sub"] = sub

	if client.UserinfoSignedResponseAlg != "" {
		signed, err := h.idTokens.SignUserinfo(r.Context(), client, doc)
		if err != nil {
			logger.Errorw("failed to sign userinfo response", "client_id", client.ID, "error", err)
			h.writeError(w, "userinfo", oauth.ServerError("The userinfo response could not be signed."))
			return
		}
		w.Header().Set("Content-Type", "application/jwt")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(signed)); err != nil {
			logger.Errorf("failed to write userinfo response: %v", err)
		}
		return
	}
	writeTokenJSON(w, http.StatusOK, doc)
}

// bearerToken extracts the access token from the Authorization header or,
// for POST, from the form body per RFC 6750 section 2.2.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue("access_token")
	}
	return ""
}

func invalidBearer() *oauth.Error {
	return oauth.InvalidToken("The access token is invalid or expired.").
		WithHeader("WWW-Authenticate", `Bearer realm="oauth", error="invalid_token"`)
}
