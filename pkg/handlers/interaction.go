// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/authserver/pkg/flow"
	"github.com/stacklok/authserver/pkg/oauth"
)

// Interaction challenge parameter names. The login challenge doubles for the
// select_account and create side-interactions, which happen before a login is
// recorded.
const (
	loginChallengeParam   = "login_challenge"
	consentChallengeParam = "consent_challenge"
	logoutChallengeParam  = "logout_challenge"
)

// redirectResponse is the decision reply: the UI sends the user agent here.
type redirectResponse struct {
	RedirectTo string `json:"redirect_to"`
}

// challenge extracts an interaction challenge from the query string.
func challenge(r *http.Request, param string) (string, error) {
	v := r.URL.Query().Get(param)
	if v == "" {
		return "", oauth.InvalidRequest("The request is missing the required parameter %q.", param)
	}
	return v, nil
}

// decodeDecision reads a decision document from the request body.
func decodeDecision(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return oauth.InvalidRequest("The decision document could not be parsed.")
	}
	return nil
}

// LoginInteraction serves the login UI round-trip: GET returns the request
// snapshot, POST accepts the decision and returns where to send the user.
func (h *Handlers) LoginInteraction(w http.ResponseWriter, r *http.Request) {
	ch, err := challenge(r, loginChallengeParam)
	if err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	if r.Method == http.MethodGet {
		ctx, err := h.engine.HandleLoginContext(r.Context(), ch)
		if err != nil {
			h.writeError(w, "interaction", err)
			return
		}
		writeJSON(w, http.StatusOK, ctx)
		return
	}

	var d flow.LoginDecision
	if err := decodeDecision(r, &d); err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	redirect, err := h.engine.HandleLoginDecision(r.Context(), ch, &d)
	if err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	writeJSON(w, http.StatusOK, &redirectResponse{RedirectTo: redirect})
}

// ConsentInteraction serves the consent UI round-trip.
func (h *Handlers) ConsentInteraction(w http.ResponseWriter, r *http.Request) {
	ch, err := challenge(r, consentChallengeParam)
	if err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	if r.Method == http.MethodGet {
		ctx, err := h.engine.HandleConsentContext(r.Context(), ch)
		if err != nil {
			h.writeError(w, "interaction", err)
			return
		}
		writeJSON(w, http.StatusOK, ctx)
		return
	}

	var d flow.ConsentDecision
	if err := decodeDecision(r, &d); err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	redirect, err := h.engine.HandleConsentDecision(r.Context(), ch, &d)
	if err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	writeJSON(w, http.StatusOK, &redirectResponse{RedirectTo: redirect})
}

// SelectAccountInteraction serves the account chooser round-trip.
func (h *Handlers) SelectAccountInteraction(w http.ResponseWriter, r *http.Request) {
	ch, err := challenge(r, loginChallengeParam)
	if err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	if r.Method == http.MethodGet {
		ctx, err := h.engine.HandleSelectAccountContext(r.Context(), ch)
		if err != nil {
			h.writeError(w, "interaction", err)
			return
		}
		writeJSON(w, http.StatusOK, ctx)
		return
	}

	var d flow.SelectAccountDecision
	if err := decodeDecision(r, &d); err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	redirect, err := h.engine.HandleSelectAccountDecision(r.Context(), ch, &d)
	if err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	writeJSON(w, http.StatusOK, &redirectResponse{RedirectTo: redirect})
}

// CreateInteraction serves the account creation round-trip.
func (h *Handlers) CreateInteraction(w http.ResponseWriter, r *http.Request) {
	ch, err := challenge(r, loginChallengeParam)
	if err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	if r.Method == http.MethodGet {
		ctx, err := h.engine.HandleCreateContext(r.Context(), ch)
		if err != nil {
			h.writeError(w, "interaction", err)
			return
		}
		writeJSON(w, http.StatusOK, ctx)
		return
	}

	var d flow.CreateDecision
	if err := decodeDecision(r, &d); err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	redirect, err := h.engine.HandleCreateDecision(r.Context(), ch, &d)
	if err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	writeJSON(w, http.StatusOK, &redirectResponse{RedirectTo: redirect})
}

// LogoutInteraction serves the logout confirmation round-trip. An empty
// redirect_to in the reply means the flow ended without a registered
// post-logout destination; the UI renders its own confirmation.
func (h *Handlers) LogoutInteraction(w http.ResponseWriter, r *http.Request) {
	ch, err := challenge(r, logoutChallengeParam)
	if err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	if r.Method == http.MethodGet {
		ctx, err := h.engine.HandleLogoutContext(r.Context(), ch)
		if err != nil {
			h.writeError(w, "interaction", err)
			return
		}
		writeJSON(w, http.StatusOK, ctx)
		return
	}

	var d flow.LogoutDecision
	if err := decodeDecision(r, &d); err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	redirect, err := h.engine.HandleLogoutDecision(r.Context(), ch, &d)
	if err != nil {
		h.writeError(w, "interaction", err)
		return
	}
	writeJSON(w, http.StatusOK, &redirectResponse{RedirectTo: redirect})
}

// Logout starts RP-initiated logout: it verifies the request and sends the
// user agent to the logout confirmation UI.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderErrorPage(w, oauth.InvalidRequest("The request parameters could not be parsed."))
		return
	}
	redirect, err := h.engine.StartLogout(r.Context(), h.keys, &flow.LogoutRequest{
		IDTokenHint:           r.Form.Get("id_token_hint"),
		ClientID:              r.Form.Get("client_id"),
		PostLogoutRedirectURI: r.Form.Get("post_logout_redirect_uri"),
		State:                 r.Form.Get("state"),
		SessionID:             cookieValue(r, SessionCookie),
	})
	if err != nil {
		h.renderErrorPage(w, oauth.ToError(err))
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}
