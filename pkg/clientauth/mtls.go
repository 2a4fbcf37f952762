// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"net/http"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// TLSMethod implements tls_client_auth (RFC 8705): the transport adapter
// terminates mutual TLS and surfaces the verified peer certificate; the
// method matches its subject against the client's registered DN.
type TLSMethod struct {
	store storage.ClientStore
}

var _ Method = (*TLSMethod)(nil)

// NewTLSMethod creates the tls_client_auth method.
func NewTLSMethod(store storage.ClientStore) *TLSMethod {
	return &TLSMethod{store: store}
}

// Name returns "tls_client_auth".
func (*TLSMethod) Name() string { return oauth.AuthMethodTLS }

// Detect reports whether the connection presented a CA-verified peer
// certificate alongside a client_id.
func (*TLSMethod) Detect(r *http.Request) bool {
	return r.TLS != nil && len(r.TLS.VerifiedChains) > 0 &&
		len(r.TLS.PeerCertificates) > 0 && r.PostFormValue("client_id") != ""
}

// Authenticate matches the verified certificate subject against the client's
// registered tls_client_auth_subject_dn.
func (m *TLSMethod) Authenticate(ctx context.Context, r *http.Request) (*entities.Client, error) {
	client, err := fetchClient(ctx, m.store, r.PostFormValue("client_id"), "Basic")
	if err != nil {
		return nil, err
	}
	if client.AuthenticationMethod != oauth.AuthMethodTLS || client.TLSSubjectDN == "" {
		return nil, invalidClient("Basic")
	}

	leaf := r.TLS.PeerCertificates[0]
	if leaf.Subject.String() != client.TLSSubjectDN {
		return nil, invalidClient("Basic")
	}
	return client, nil
}

// SelfSignedTLSMethod implements self_signed_tls_client_auth: the peer
// certificate is not CA-verified; instead its public key must match one of
// the keys the client registered in its jwks.
type SelfSignedTLSMethod struct {
	store storage.ClientStore
}

var _ Method = (*SelfSignedTLSMethod)(nil)

// NewSelfSignedTLSMethod creates the self_signed_tls_client_auth method.
func NewSelfSignedTLSMethod(store storage.ClientStore) *SelfSignedTLSMethod {
	return &SelfSignedTLSMethod{store: store}
}

// Name returns "self_signed_tls_client_auth".
func (*SelfSignedTLSMethod) Name() string { return oauth.AuthMethodSelfSignedTLS }

// Detect reports whether the connection presented an unverified peer
// certificate alongside a client_id.
func (*SelfSignedTLSMethod) Detect(r *http.Request) bool {
	return r.TLS != nil && len(r.TLS.VerifiedChains) == 0 &&
		len(r.TLS.PeerCertificates) > 0 && r.PostFormValue("client_id") != ""
}

// Authenticate matches the presented certificate's public key against the
// client's registered jwks.
func (m *SelfSignedTLSMethod) Authenticate(ctx context.Context, r *http.Request) (*entities.Client, error) {
	client, err := fetchClient(ctx, m.store, r.PostFormValue("client_id"), "Basic")
	if err != nil {
		return nil, err
	}
	if client.AuthenticationMethod != oauth.AuthMethodSelfSignedTLS || len(client.JWKS) == 0 {
		return nil, invalidClient("Basic")
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(client.JWKS, &set); err != nil {
		return nil, invalidClient("Basic")
	}

	leafDigest, err := publicKeyDigest(r.TLS.PeerCertificates[0])
	if err != nil {
		return nil, invalidClient("Basic")
	}
	for _, k := range set.Keys {
		keyDER, err := x509.MarshalPKIXPublicKey(k.Public().Key)
		if err != nil {
			continue
		}
		keyDigest := sha256.Sum256(keyDER)
		if subtle.ConstantTimeCompare(leafDigest[:], keyDigest[:]) == 1 {
			return client, nil
		}
	}
	return nil, invalidClient("Basic")
}

func publicKeyDigest(cert *x509.Certificate) ([32]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(der), nil
}
