// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/authserver/pkg/entities"
)

// jwksRegisterTimeout bounds the initial fetch when a client's jwks_uri is
// first registered with the cache.
const jwksRegisterTimeout = 5 * time.Second

// KeyResolver resolves the verification keys a client registered for
// private_key_jwt: either an inline jwks document or a jwks_uri fetched and
// cached with a refresh-aware HTTP client.
type KeyResolver struct {
	cache *jwk.Cache

	mu         sync.Mutex
	registered map[string]struct{}
}

// NewKeyResolver creates a resolver whose remote fetches use the given HTTP
// client. The cache refreshes registered URLs in the background for the
// lifetime of ctx.
func NewKeyResolver(ctx context.Context, httpClient *http.Client) (*KeyResolver, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &KeyResolver{
		cache:      cache,
		registered: make(map[string]struct{}),
	}, nil
}

// ResolveKey returns the raw public key with the given kid. An empty kid is
// accepted when the client exposes exactly one key.
func (kr *KeyResolver) ResolveKey(ctx context.Context, client *entities.Client, kid string) (any, error) {
	if len(client.JWKS) > 0 {
		return resolveInlineKey(client.JWKS, kid)
	}
	if client.JWKSURI != "" {
		return kr.resolveRemoteKey(ctx, client.JWKSURI, kid)
	}
	return nil, fmt.Errorf("client %q has no registered keys", client.ID)
}

func resolveInlineKey(raw json.RawMessage, kid string) (any, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("failed to parse client jwks: %w", err)
	}
	if kid == "" {
		if len(set.Keys) != 1 {
			return nil, fmt.Errorf("assertion has no kid and the client jwks holds %d keys", len(set.Keys))
		}
		return set.Keys[0].Key, nil
	}
	for _, k := range set.Keys {
		if k.KeyID == kid {
			return k.Key, nil
		}
	}
	return nil, fmt.Errorf("key %q not found in client jwks", kid)
}

func (kr *KeyResolver) resolveRemoteKey(ctx context.Context, jwksURL, kid string) (any, error) {
	if err := kr.ensureRegistered(ctx, jwksURL); err != nil {
		return nil, err
	}

	keySet, err := kr.cache.Lookup(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to look up JWKS %s: %w", jwksURL, err)
	}

	var key jwk.Key
	if kid == "" {
		if keySet.Len() != 1 {
			return nil, fmt.Errorf("assertion has no kid and %s holds %d keys", jwksURL, keySet.Len())
		}
		key, _ = keySet.Key(0)
	} else {
		var found bool
		key, found = keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key %q not found at %s", kid, jwksURL)
		}
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export key %q: %w", kid, err)
	}
	return rawKey, nil
}

func (kr *KeyResolver) ensureRegistered(ctx context.Context, jwksURL string) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if _, ok := kr.registered[jwksURL]; ok {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, jwksRegisterTimeout)
	defer cancel()

	if err := kr.cache.Register(regCtx, jwksURL); err != nil {
		return fmt.Errorf("failed to register JWKS URL %s: %w", jwksURL, err)
	}
	kr.registered[jwksURL] = struct{}{}
	return nil
}
