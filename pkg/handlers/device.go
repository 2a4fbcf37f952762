// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/stacklok/authserver/pkg/crypto"
	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// deviceAuthorizationResponse is the RFC 8628 section 3.2 document.
type deviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// DeviceAuthorization starts the device flow: it hands the device a
// device_code to poll with and a user_code to show the user.
func (h *Handlers) DeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, "device_authorization", oauth.InvalidRequest("The request body could not be parsed."))
		return
	}
	client, err := h.dispatcher.Authenticate(r.Context(), r)
	if err != nil {
		h.writeError(w, "device_authorization", err)
		return
	}
	if !client.HasGrantType(oauth.GrantTypeDeviceCode) || !h.registry.HasGrantType(oauth.GrantTypeDeviceCode) {
		h.writeError(w, "device_authorization",
			oauth.UnauthorizedClient("The client is not authorized to use the device authorization grant."))
		return
	}

	scopes, err := h.grantedScopes(client, r.PostFormValue("scope"))
	if err != nil {
		h.writeError(w, "device_authorization", err)
		return
	}

	d, err := h.devices.Issue(r.Context(), client.ID, scopes)
	if err != nil {
		h.writeError(w, "device_authorization", err)
		return
	}

	displayCode := crypto.FormatUserCode(d.UserCode)
	verificationURI := h.devices.VerificationURI()
	writeTokenJSON(w, http.StatusOK, &deviceAuthorizationResponse{
		DeviceCode:              d.DeviceCode,
		UserCode:                displayCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + url.QueryEscape(displayCode),
		ExpiresIn:               int64(time.Until(d.ExpiresAt).Seconds()),
		Interval:                d.Interval,
	})
}

// DeviceApprove records the user's decision on a device authorization. The
// caller must hold a session with an active login; the verification UI posts
// the user_code here after the user confirms or rejects it.
func (h *Handlers) DeviceApprove(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, "device_approve", oauth.InvalidRequest("The request body could not be parsed."))
		return
	}

	login, err := h.activeSessionLogin(r)
	if err != nil {
		h.writeError(w, "device_approve", err)
		return
	}

	code := crypto.NormalizeUserCode(r.PostFormValue("user_code"))
	if code == "" {
		h.writeError(w, "device_approve", oauth.InvalidRequest("The request is missing the required parameter 'user_code'."))
		return
	}
	d, err := h.store.GetDeviceCodeByUserCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, "device_approve", oauth.InvalidRequest("The user code is unknown or no longer valid."))
			return
		}
		h.writeError(w, "device_approve", err)
		return
	}
	if d.Expired(time.Now()) {
		if err := h.store.DeleteDeviceCode(r.Context(), d.DeviceCode); err != nil {
			logger.Errorw("failed to delete expired device code", "error", err)
		}
		h.writeError(w, "device_approve", oauth.InvalidRequest("The user code is unknown or no longer valid."))
		return
	}
	if !d.Pending() {
		h.writeError(w, "device_approve", oauth.InvalidRequest("The device authorization was already decided."))
		return
	}

	approved := r.PostFormValue("approve") == "true"
	if approved {
		d.AuthorizedBy = login.UserID
	} else {
		d.Denied = true
	}
	if err := h.store.PutDeviceCode(r.Context(), d); err != nil {
		h.writeError(w, "device_approve", err)
		return
	}
	logger.Infow("device authorization decided", "client_id", d.ClientID, "approved", approved)
	writeJSON(w, http.StatusOK, map[string]bool{"approved": approved})
}

// activeSessionLogin resolves the session cookie to its active, unexpired
// login.
func (h *Handlers) activeSessionLogin(r *http.Request) (*entities.Login, error) {
	sessionID := cookieValue(r, SessionCookie)
	if sessionID == "" {
		return nil, oauth.InvalidRequest("The request carries no session.")
	}
	session, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauth.InvalidRequest("The session is unknown or expired.")
		}
		return nil, err
	}
	now := time.Now()
	if session.Expired(now) || session.ActiveLoginID == "" {
		return nil, oauth.InvalidRequest("The session has no active login.")
	}
	login, err := h.store.GetLogin(r.Context(), session.ActiveLoginID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauth.InvalidRequest("The session has no active login.")
		}
		return nil, err
	}
	if login.Expired(now) {
		return nil, oauth.InvalidRequest("The session has no active login.")
	}
	return login, nil
}
