// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"

	"github.com/go-jose/go-jose/v4"
)

// TokenHash computes the at_hash / c_hash claim value defined by OIDC
// Core Section 3.1.3.6: the unpadded base64url encoding of the left half
// of the digest whose width matches the ID token's signing algorithm.
func TokenHash(alg jose.SignatureAlgorithm, value string) (string, error) {
	var h hash.Hash
	switch alg {
	case jose.RS256, jose.ES256, jose.PS256, jose.HS256:
		h = sha256.New()
	case jose.RS384, jose.ES384, jose.PS384, jose.HS384:
		h = sha512.New384()
	case jose.RS512, jose.ES512, jose.PS512, jose.HS512, jose.EdDSA:
		h = sha512.New()
	default:
		return "", fmt.Errorf("no token hash defined for signing algorithm %q", alg)
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
