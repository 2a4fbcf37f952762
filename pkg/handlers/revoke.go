// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// Revoke implements RFC 7009. Unknown tokens succeed silently so callers
// cannot probe the token space; tokens owned by another client are refused.
func (h *Handlers) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, "revoke", oauth.InvalidRequest("The request body could not be parsed."))
		return
	}
	client, err := h.dispatcher.Authenticate(r.Context(), r)
	if err != nil {
		h.writeError(w, "revoke", err)
		return
	}
	raw := r.PostFormValue("token")
	if raw == "" {
		h.writeError(w, "revoke", oauth.InvalidRequest("The request is missing the required parameter 'token'."))
		return
	}

	// The hint only orders the lookup; a miss falls through to the other
	// token type per RFC 7009 section 2.1.
	hint := r.PostFormValue("token_type_hint")
	var lookups []func(context.Context, *entities.Client, string) (bool, error)
	if hint == oauth.TokenTypeHintRefreshToken {
		lookups = append(lookups, h.revokeRefreshToken, h.revokeAccessToken)
	} else {
		lookups = append(lookups, h.revokeAccessToken, h.revokeRefreshToken)
	}

	for _, revoke := range lookups {
		found, err := revoke(r.Context(), client, raw)
		if err != nil {
			h.writeError(w, "revoke", err)
			return
		}
		if found {
			break
		}
	}
	w.WriteHeader(http.StatusOK)
}

// revokeAccessToken revokes a matching access token. Returns found=false when
// the value names no access token.
func (h *Handlers) revokeAccessToken(ctx context.Context, client *entities.Client, raw string) (bool, error) {
	at, err := h.store.GetAccessToken(ctx, raw)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if at.ClientID != client.ID {
		return true, oauth.UnauthorizedClient("The token was issued to another client.")
	}
	if !h.cfg.EnableAccessTokenRevocation {
		// Revocation of bare access tokens is disabled; acknowledge without
		// acting, per the configured policy.
		return true, nil
	}
	return true, h.access.Revoke(ctx, at)
}

// revokeRefreshToken revokes a matching refresh token's whole rotation chain.
func (h *Handlers) revokeRefreshToken(ctx context.Context, client *entities.Client, raw string) (bool, error) {
	rt, err := h.store.GetRefreshToken(ctx, raw)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if rt.ClientID != client.ID {
		return true, oauth.UnauthorizedClient("The token was issued to another client.")
	}
	return true, h.refresh.RevokeChain(ctx, rt.ChainID)
}
