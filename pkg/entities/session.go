// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package entities

import (
	"time"
)

// Session is the cookie-bound browser session. It stacks the logins performed
// in this browser, of which at most one is active at a time.
type Session struct {
	ID string `json:"id"`
	// LoginIDs is the ordered stack of logins, oldest first.
	LoginIDs []string `json:"login_ids"`
	// ActiveLoginID is the login currently selected for authorization.
	// Invariant: empty, or a member of LoginIDs.
	ActiveLoginID string    `json:"active_login_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the session lifetime has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// HasLogin reports whether the login id is on the session's stack.
func (s *Session) HasLogin(loginID string) bool {
	return contains(s.LoginIDs, loginID)
}

// PushLogin appends a login to the stack and makes it active.
func (s *Session) PushLogin(loginID string) {
	if !s.HasLogin(loginID) {
		s.LoginIDs = append(s.LoginIDs, loginID)
	}
	s.ActiveLoginID = loginID
}

// DeactivateLogin clears the active login without removing history.
func (s *Session) DeactivateLogin() {
	s.ActiveLoginID = ""
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	cp := *s
	cp.LoginIDs = cloneStrings(s.LoginIDs)
	return &cp
}

// Login records one authentication event. Logins are immutable after
// creation; detaching one from its session preserves the record.
type Login struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	// AMR lists the authentication methods used, e.g. ["pwd", "otp"].
	AMR []string `json:"amr,omitempty"`
	// ACR is the authentication context class the UI asserted.
	ACR       string    `json:"acr,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the login lifetime has elapsed.
func (l *Login) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// OlderThan reports whether the login happened more than maxAge seconds ago.
func (l *Login) OlderThan(now time.Time, maxAgeSeconds int64) bool {
	return now.Sub(l.CreatedAt) > time.Duration(maxAgeSeconds)*time.Second
}

// Clone returns a deep copy.
func (l *Login) Clone() *Login {
	cp := *l
	cp.AMR = cloneStrings(l.AMR)
	return &cp
}
