// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SecretsEqual reports whether two secrets match. Both sides are hashed
// before the constant-time comparison so the cost is independent of
// either input's length.
func SecretsEqual(presented, stored string) bool {
	p := sha256.Sum256([]byte(presented))
	s := sha256.Sum256([]byte(stored))
	return subtle.ConstantTimeCompare(p[:], s[:]) == 1
}

// HashBearerToken hashes a long-lived bearer credential, such as a
// registration access token, for at-rest storage.
func HashBearerToken(token string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hashed), nil
}

// VerifyBearerToken reports whether the presented token matches the
// stored bcrypt hash.
func VerifyBearerToken(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
