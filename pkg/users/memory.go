// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MemoryService is an in-memory Service for tests and the demo binary.
// Passwords are stored bcrypt-hashed.
type MemoryService struct {
	mu         sync.RWMutex
	byID       map[string]*User
	byUsername map[string]string
	passwords  map[string][]byte
}

var _ Service = (*MemoryService)(nil)

// NewMemoryService creates an empty in-memory user service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		byID:       make(map[string]*User),
		byUsername: make(map[string]string),
		passwords:  make(map[string][]byte),
	}
}

// GetUser resolves a user by id.
func (s *MemoryService) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUser, id)
	}
	return u.Clone(), nil
}

// VerifyCredentials checks a username/password pair. Unknown users and wrong
// passwords both fail with ErrBadCredentials; a decoy bcrypt compare keeps
// the two paths from being distinguishable by timing.
func (s *MemoryService) VerifyCredentials(_ context.Context, username, password string) (*User, error) {
	s.mu.RLock()
	id, known := s.byUsername[username]
	hash := s.passwords[id]
	s.mu.RUnlock()

	if !known {
		_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(password))
		return nil, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return nil, ErrBadCredentials
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id].Clone(), nil
}

// decoyHash is a bcrypt hash of an unguessable value, compared against when
// the username is unknown so both failure paths cost one bcrypt verify.
var decoyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// CreateUser allocates a new account with a fresh opaque id.
func (s *MemoryService) CreateUser(_ context.Context, username, password string, claims map[string]any) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byUsername[username]; taken {
		return nil, fmt.Errorf("%w: %q", ErrUserExists, username)
	}

	u := &User{
		ID:       uuid.NewString(),
		Username: username,
		Claims:   claims,
	}
	s.byID[u.ID] = u.Clone()
	s.byUsername[username] = u.ID
	s.passwords[u.ID] = hash
	return u.Clone(), nil
}

// Claims returns the named claims the user exposes.
func (s *MemoryService) Claims(ctx context.Context, userID string, names []string) (map[string]any, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, name := range names {
		if v, ok := u.Claims[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}
