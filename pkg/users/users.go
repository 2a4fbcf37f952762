// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package users defines the user service port. The authorization server never
// owns user accounts; it resolves them through this narrow interface. The
// in-memory implementation exists for tests and the demo binary.
package users

import (
	"context"
	"errors"
)

// Sentinel errors for the user service.
var (
	// ErrUnknownUser indicates the user id or username does not resolve.
	ErrUnknownUser = errors.New("unknown user")
	// ErrBadCredentials indicates a failed password check.
	ErrBadCredentials = errors.New("invalid credentials")
	// ErrUserExists indicates a username collision on create.
	ErrUserExists = errors.New("user already exists")
)

// User is the engine's view of an account: an opaque id plus whatever claims
// the backing directory exposes. The id is the local subject identifier that
// pairwise derivation operates on.
type User struct {
	ID       string
	Username string
	// Claims holds the OIDC claims the directory exposes for this user,
	// keyed by standard claim name (email, name, ...).
	Claims map[string]any
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	cp := *u
	if u.Claims != nil {
		cp.Claims = make(map[string]any, len(u.Claims))
		for k, v := range u.Claims {
			cp.Claims[k] = v
		}
	}
	return &cp
}

// Service is the port to the external user database.
type Service interface {
	// GetUser resolves a user by opaque id.
	GetUser(ctx context.Context, id string) (*User, error)

	// VerifyCredentials checks a username/password pair, for the password
	// grant and for login UIs that delegate the check. Fails with
	// ErrBadCredentials on any miss; callers must not distinguish unknown
	// users from wrong passwords.
	VerifyCredentials(ctx context.Context, username, password string) (*User, error)

	// CreateUser allocates a new account, for the create interaction.
	CreateUser(ctx context.Context, username, password string, claims map[string]any) (*User, error)

	// Claims returns the subset of the user's claims named in names, in the
	// order the directory exposes them. Unknown names are silently skipped.
	Claims(ctx context.Context, userID string, names []string) (map[string]any, error)
}
