// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/authserver/pkg/logger"
)

// Provider provides signing keys for ID token and JARM signing.
// Implementations handle key sourcing (file, static JWKS, generation).
type Provider interface {
	// SigningKey returns the key used to sign new tokens with the given
	// algorithm. An empty algorithm selects the provider's primary key.
	// Returns ErrNoSigningKey when no matching key is available.
	SigningKey(ctx context.Context, algorithm string) (*SigningKeyData, error)

	// PublicKeys returns all public keys for the JWKS endpoint. May return
	// multiple keys during rotation periods.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

// PublicJWKS renders the provider's public keys as a JWK set document for
// the jwks endpoint.
func PublicJWKS(ctx context.Context, p Provider) (*jose.JSONWebKeySet, error) {
	pub, err := p.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pub))}
	for _, k := range pub {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.PublicKey,
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}

// FileProvider loads signing keys from PEM files. The first key signs new
// tokens; every key (signing + fallback) is exposed through PublicKeys so
// tokens signed before a rotation stay verifiable. Keys are loaded once at
// construction; changes require a restart.
type FileProvider struct {
	allKeys []*SigningKeyData
}

// Compile-time interface checks.
var (
	_ Provider = (*FileProvider)(nil)
	_ Provider = (*GeneratingProvider)(nil)
	_ Provider = (*StaticProvider)(nil)
)

// NewFileProvider creates a provider loading the signing key and any
// fallback keys from PEM files under keyDir.
func NewFileProvider(keyDir, signingKeyFile string, fallbackKeyFiles ...string) (*FileProvider, error) {
	if signingKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signer, err := LoadSigningKey(filepath.Join(keyDir, signingKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	primary, err := newSigningKeyData(signer)
	if err != nil {
		return nil, err
	}
	primary.CreatedAt = time.Now()

	allKeys := []*SigningKeyData{primary}
	for _, filename := range fallbackKeyFiles {
		fallback, err := LoadSigningKey(filepath.Join(keyDir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		data, err := newSigningKeyData(fallback)
		if err != nil {
			return nil, err
		}
		data.CreatedAt = time.Now()
		allKeys = append(allKeys, data)
	}

	return &FileProvider{allKeys: allKeys}, nil
}

// SigningKey returns a copy of the key matching the algorithm, or the
// primary key when the algorithm is empty.
func (p *FileProvider) SigningKey(_ context.Context, algorithm string) (*SigningKeyData, error) {
	return selectKey(p.allKeys, algorithm)
}

// PublicKeys returns the public portion of every loaded key.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	return publicKeys(p.allKeys), nil
}

// StaticProvider serves keys handed to it at construction, typically parsed
// from a JWKS document in the server configuration.
type StaticProvider struct {
	allKeys []*SigningKeyData
}

// NewStaticProvider wraps the given private JWK set. Every key must carry
// private material and be usable for signing.
func NewStaticProvider(set *jose.JSONWebKeySet) (*StaticProvider, error) {
	if set == nil || len(set.Keys) == 0 {
		return nil, fmt.Errorf("static key set is empty")
	}
	allKeys := make([]*SigningKeyData, 0, len(set.Keys))
	for i := range set.Keys {
		k := set.Keys[i]
		signer, ok := k.Key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key %q does not carry private signing material", k.KeyID)
		}
		data, err := newSigningKeyData(signer)
		if err != nil {
			return nil, err
		}
		if k.KeyID != "" {
			data.KeyID = k.KeyID
		}
		if k.Algorithm != "" {
			data.Algorithm = k.Algorithm
		}
		data.CreatedAt = time.Now()
		allKeys = append(allKeys, data)
	}
	return &StaticProvider{allKeys: allKeys}, nil
}

// SigningKey returns a copy of the key matching the algorithm, or the first
// key when the algorithm is empty.
func (p *StaticProvider) SigningKey(_ context.Context, algorithm string) (*SigningKeyData, error) {
	return selectKey(p.allKeys, algorithm)
}

// PublicKeys returns the public portion of every configured key.
func (p *StaticProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	return publicKeys(p.allKeys), nil
}

// GeneratingProvider generates an ephemeral key on first access. Suitable for
// development but not for production: the key is lost on restart,
// invalidating every issued ID token.
type GeneratingProvider struct {
	algorithm string
	mu        sync.Mutex
	key       *SigningKeyData
}

// NewGeneratingProvider creates a provider that lazily generates one
// ephemeral key. An empty algorithm selects DefaultAlgorithm (ES256).
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

// SigningKey returns the ephemeral key, generating it on first use.
func (p *GeneratingProvider) SigningKey(_ context.Context, algorithm string) (*SigningKeyData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		key, err := p.generateKey()
		if err != nil {
			return nil, err
		}
		logger.Warnw("generated ephemeral signing key - ID tokens will be invalid after restart",
			"algorithm", key.Algorithm,
			"key_id", key.KeyID,
		)
		p.key = key
	}

	if algorithm != "" && algorithm != p.key.Algorithm {
		return nil, fmt.Errorf("%w: for algorithm %q", ErrNoSigningKey, algorithm)
	}
	return p.key.clone(), nil
}

// PublicKeys returns the public portion of the ephemeral key, generating it
// if needed so discovery and JWKS agree before the first token is signed.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	key, err := p.SigningKey(ctx, "")
	if err != nil {
		return nil, err
	}
	return []*PublicKeyData{key.public()}, nil
}

func (p *GeneratingProvider) generateKey() (*SigningKeyData, error) {
	var signer crypto.Signer
	var err error
	switch p.algorithm {
	case "ES256":
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		signer, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		signer, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		return nil, fmt.Errorf("cannot generate key for algorithm %q", p.algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", p.algorithm, err)
	}

	data, err := newSigningKeyData(signer)
	if err != nil {
		return nil, err
	}
	data.CreatedAt = time.Now()
	return data, nil
}

func selectKey(all []*SigningKeyData, algorithm string) (*SigningKeyData, error) {
	if len(all) == 0 {
		return nil, ErrNoSigningKey
	}
	if algorithm == "" {
		return all[0].clone(), nil
	}
	for _, k := range all {
		if k.Algorithm == algorithm {
			return k.clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: for algorithm %q", ErrNoSigningKey, algorithm)
}

func publicKeys(all []*SigningKeyData) []*PublicKeyData {
	out := make([]*PublicKeyData, 0, len(all))
	for _, k := range all {
		out = append(out, k.public())
	}
	return out
}
