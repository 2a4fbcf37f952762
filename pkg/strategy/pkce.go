// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"crypto/subtle"

	"github.com/stacklok/authserver/pkg/crypto"
	"github.com/stacklok/authserver/pkg/oauth"
)

// PKCEMethod verifies a code_verifier against the code_challenge recorded at
// authorization time (RFC 7636).
type PKCEMethod interface {
	// Name is the protocol name advertised in discovery.
	Name() string
	// Verify checks the verifier against the challenge. Failures are
	// protocol errors safe to return to the client.
	Verify(challenge, verifier string) error
}

// plainMethod compares the verifier byte-for-byte against the challenge.
type plainMethod struct{}

func (plainMethod) Name() string { return oauth.PKCEMethodPlain }

func (plainMethod) Verify(challenge, verifier string) error {
	if err := crypto.ValidateVerifier(verifier); err != nil {
		return oauth.InvalidGrant("The PKCE code verifier is malformed.")
	}
	if subtle.ConstantTimeCompare([]byte(challenge), []byte(verifier)) != 1 {
		return oauth.InvalidGrant("The PKCE code verifier does not match the challenge.")
	}
	return nil
}

// s256Method checks that the challenge is the base64url SHA-256 of the
// verifier.
type s256Method struct{}

func (s256Method) Name() string { return oauth.PKCEMethodS256 }

func (s256Method) Verify(challenge, verifier string) error {
	if err := crypto.ValidateVerifier(verifier); err != nil {
		return oauth.InvalidGrant("The PKCE code verifier is malformed.")
	}
	computed := crypto.ComputeS256Challenge(verifier)
	if subtle.ConstantTimeCompare([]byte(challenge), []byte(computed)) != 1 {
		return oauth.InvalidGrant("The PKCE code verifier does not match the challenge.")
	}
	return nil
}
