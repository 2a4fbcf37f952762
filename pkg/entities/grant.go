// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package entities

import (
	"net/url"
	"time"
)

// Interaction names recorded on grants and exposed to the UI.
const (
	InteractionLogin         = "login"
	InteractionConsent       = "consent"
	InteractionSelectAccount = "select_account"
	InteractionCreate        = "create"
	InteractionLogout        = "logout"
)

// Grant is an in-progress authorization spanning multiple HTTP round-trips.
// It freezes the original authorize parameters, carries the challenges handed
// to the interaction UI, and accumulates the interactions performed. Grants
// are short-lived and removed at completion, denial, or expiry.
type Grant struct {
	ID               string `json:"id"`
	LoginChallenge   string `json:"login_challenge"`
	ConsentChallenge string `json:"consent_challenge"`

	// Parameters is the authorize request exactly as first received.
	// Resumptions re-enter the state machine with these, not with whatever
	// the user agent happens to send.
	Parameters url.Values `json:"parameters"`

	// Interactions lists the completed interactions in order.
	Interactions []string `json:"interactions,omitempty"`

	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id"`
	ConsentID string `json:"consent_id,omitempty"`

	// Version increments on every store update; interaction decisions racing
	// on one grant serialize through compare-and-set on it.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the grant outlived its window.
func (g *Grant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// HasInteraction reports whether the named interaction already completed.
func (g *Grant) HasInteraction(name string) bool {
	return contains(g.Interactions, name)
}

// RecordInteraction appends the interaction if not already present.
func (g *Grant) RecordInteraction(name string) {
	if !g.HasInteraction(name) {
		g.Interactions = append(g.Interactions, name)
	}
}

// Clone returns a deep copy.
func (g *Grant) Clone() *Grant {
	cp := *g
	cp.Interactions = cloneStrings(g.Interactions)
	if g.Parameters != nil {
		cp.Parameters = make(url.Values, len(g.Parameters))
		for k, vs := range g.Parameters {
			cp.Parameters[k] = cloneStrings(vs)
		}
	}
	return &cp
}

// Consent records a user's grant of scopes to a client. Valid consents let
// the authorize flow skip the consent interaction.
type Consent struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the consent lifetime has elapsed.
func (c *Consent) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Covers reports whether this consent satisfies a request for the given
// scopes by the given client and user.
func (c *Consent) Covers(clientID, userID string, scopes []string, now time.Time) bool {
	if c.ClientID != clientID || c.UserID != userID || c.Expired(now) {
		return false
	}
	for _, s := range scopes {
		if !contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (c *Consent) Clone() *Consent {
	cp := *c
	cp.Scopes = cloneStrings(c.Scopes)
	return &cp
}

// LogoutTicket is the logout counterpart of Grant: it freezes an RP-initiated
// logout request while the UI confirms it.
type LogoutTicket struct {
	ID              string `json:"id"`
	LogoutChallenge string `json:"logout_challenge"`
	SessionID       string `json:"session_id"`
	ClientID        string `json:"client_id,omitempty"`
	// PostLogoutRedirectURI is already validated against the client's
	// registered set when the ticket is created.
	PostLogoutRedirectURI string    `json:"post_logout_redirect_uri,omitempty"`
	State                 string    `json:"state,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	ExpiresAt             time.Time `json:"expires_at"`
}

// Expired reports whether the ticket outlived its window.
func (t *LogoutTicket) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
