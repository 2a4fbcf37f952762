// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryService_CreateAndVerify(t *testing.T) {
	t.Parallel()
	s := NewMemoryService()
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "kim", "hunter2hunter2", map[string]any{
		"email": "kim@example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)

	_, err = s.CreateUser(ctx, "kim", "other-password", nil)
	assert.ErrorIs(t, err, ErrUserExists)

	got, err := s.VerifyCredentials(ctx, "kim", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.VerifyCredentials(ctx, "kim", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)

	// Unknown user reports the same error as a wrong password.
	_, err = s.VerifyCredentials(ctx, "nobody", "whatever")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestMemoryService_Claims(t *testing.T) {
	t.Parallel()
	s := NewMemoryService()
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "ana", "correct-horse-battery", map[string]any{
		"email":          "ana@example.com",
		"email_verified": true,
		"name":           "Ana",
	})
	require.NoError(t, err)

	claims, err := s.Claims(ctx, u.ID, []string{"email", "name", "nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"email": "ana@example.com",
		"name":  "Ana",
	}, claims)

	_, err = s.Claims(ctx, "missing", []string{"email"})
	assert.ErrorIs(t, err, ErrUnknownUser)
}
