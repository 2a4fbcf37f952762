// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePEMKey(t *testing.T, dir, name string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{
		Type: "PRIVATE KEY", Bytes: der,
	}), 0o600))
	return path
}

func TestFileProvider(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writePEMKey(t, dir, "signing.pem")
	writePEMKey(t, dir, "old.pem")

	p, err := NewFileProvider(dir, "signing.pem", "old.pem")
	require.NoError(t, err)

	key, err := p.SigningKey(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "ES256", key.Algorithm)
	assert.NotEmpty(t, key.KeyID)

	pub, err := p.PublicKeys(context.Background())
	require.NoError(t, err)
	assert.Len(t, pub, 2)

	_, err = p.SigningKey(context.Background(), "RS256")
	assert.ErrorIs(t, err, ErrNoSigningKey)
}

func TestFileProvider_MissingKey(t *testing.T) {
	t.Parallel()
	_, err := NewFileProvider(t.TempDir(), "")
	assert.Error(t, err)

	_, err = NewFileProvider(t.TempDir(), "nope.pem")
	assert.Error(t, err)
}

func TestGeneratingProvider(t *testing.T) {
	t.Parallel()
	p := NewGeneratingProvider("")

	a, err := p.SigningKey(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultAlgorithm, a.Algorithm)

	// Same key on every call.
	b, err := p.SigningKey(context.Background(), "ES256")
	require.NoError(t, err)
	assert.Equal(t, a.KeyID, b.KeyID)

	pub, err := p.PublicKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, pub, 1)
	assert.Equal(t, a.KeyID, pub[0].KeyID)
}

func TestStaticProvider(t *testing.T) {
	t.Parallel()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	p, err := NewStaticProvider(&jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: rsaKey, KeyID: "rsa-1", Algorithm: "RS256"},
		{Key: ecKey, KeyID: "ec-1", Algorithm: "ES256"},
	}})
	require.NoError(t, err)

	key, err := p.SigningKey(context.Background(), "ES256")
	require.NoError(t, err)
	assert.Equal(t, "ec-1", key.KeyID)

	set, err := PublicJWKS(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, set.Keys, 2)
	for _, k := range set.Keys {
		assert.Equal(t, "sig", k.Use)
		assert.True(t, k.IsPublic())
	}
}

func TestStaticProvider_Empty(t *testing.T) {
	t.Parallel()
	_, err := NewStaticProvider(nil)
	assert.Error(t, err)
	_, err = NewStaticProvider(&jose.JSONWebKeySet{})
	assert.Error(t, err)
}
