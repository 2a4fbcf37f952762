// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clientauth authenticates OAuth clients at the token, revocation,
// introspection, and device authorization endpoints. Each authentication
// method detects whether a request attempts it and then verifies the
// presented credentials; the dispatcher requires exactly one method to
// detect.
package clientauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/authserver/pkg/crypto"
	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// Method is one client authentication strategy.
type Method interface {
	// Name is the protocol name, e.g. "client_secret_basic".
	Name() string
	// Detect reports whether the request attempts this method. Detection
	// looks only at which credentials are present, never at their validity.
	Detect(r *http.Request) bool
	// Authenticate verifies the credentials and returns the client. Failures
	// are invalid_client carrying the WWW-Authenticate scheme of the method.
	Authenticate(ctx context.Context, r *http.Request) (*entities.Client, error)
}

// Dispatcher runs the configured methods over a request. Exactly one method
// must detect; zero or more than one is invalid_client.
type Dispatcher struct {
	methods []Method
}

// NewDispatcher composes a dispatcher over the given methods.
func NewDispatcher(methods ...Method) *Dispatcher {
	return &Dispatcher{methods: methods}
}

// Authenticate identifies and verifies the client on the request.
func (d *Dispatcher) Authenticate(ctx context.Context, r *http.Request) (*entities.Client, error) {
	var detected Method
	for _, m := range d.methods {
		if !m.Detect(r) {
			continue
		}
		if detected != nil {
			logger.Debugw("multiple client authentication methods detected",
				"first", detected.Name(), "second", m.Name())
			return nil, oauth.InvalidClient("The request uses more than one client authentication method.")
		}
		detected = m
	}
	if detected == nil {
		return nil, oauth.InvalidClient("No client authentication was provided.").
			WithHeader("WWW-Authenticate", `Basic realm="oauth"`)
	}

	client, err := detected.Authenticate(ctx, r)
	if err != nil {
		logger.Debugw("client authentication failed",
			"method", detected.Name(), "error", err)
		return nil, err
	}
	return client, nil
}

// fetchClient loads a client, mapping a missing record to invalid_client with
// the given scheme so unknown and mismatching clients are indistinguishable.
func fetchClient(ctx context.Context, store storage.ClientStore, clientID, scheme string) (*entities.Client, error) {
	client, err := store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidClient(scheme)
		}
		return nil, fmt.Errorf("failed to load client %q: %w", clientID, err)
	}
	return client, nil
}

// invalidClient builds the uniform invalid_client failure for a method. One
// message for every rejection reason: the response must not reveal whether
// the client exists, has a secret, or uses another method.
func invalidClient(scheme string) *oauth.Error {
	return oauth.InvalidClient("Client authentication failed.").
		WithHeader("WWW-Authenticate", scheme+` realm="oauth"`)
}

// verifySecret runs the shared secret checks: the client must use the
// expected method, must have a secret, the secret must not be expired, and
// the presented secret must match in constant time.
func verifySecret(client *entities.Client, methodName, presented, scheme string, now time.Time) error {
	if client.AuthenticationMethod != methodName {
		return invalidClient(scheme)
	}
	if client.Secret == "" {
		return invalidClient(scheme)
	}
	if client.SecretExpired(now) {
		return invalidClient(scheme)
	}
	if !crypto.SecretsEqual(presented, client.Secret) {
		return invalidClient(scheme)
	}
	return nil
}
