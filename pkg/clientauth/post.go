// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"net/http"
	"time"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// PostMethod implements client_secret_post: client_id and client_secret in
// the form-encoded request body.
type PostMethod struct {
	store storage.ClientStore
}

var _ Method = (*PostMethod)(nil)

// NewPostMethod creates the client_secret_post method.
func NewPostMethod(store storage.ClientStore) *PostMethod {
	return &PostMethod{store: store}
}

// Name returns "client_secret_post".
func (*PostMethod) Name() string { return oauth.AuthMethodPost }

// Detect reports whether the body carries a client_secret.
func (*PostMethod) Detect(r *http.Request) bool {
	return r.PostFormValue("client_secret") != ""
}

// Authenticate verifies the body credentials with the same rules as the
// basic method.
func (m *PostMethod) Authenticate(ctx context.Context, r *http.Request) (*entities.Client, error) {
	clientID := r.PostFormValue("client_id")
	secret := r.PostFormValue("client_secret")
	if clientID == "" || secret == "" {
		return nil, invalidClient("Basic")
	}

	client, err := fetchClient(ctx, m.store, clientID, "Basic")
	if err != nil {
		return nil, err
	}
	if err := verifySecret(client, oauth.AuthMethodPost, secret, "Basic", time.Now()); err != nil {
		return nil, err
	}
	return client, nil
}

// NoneMethod implements the "none" method for public clients: a bare
// client_id with no credentials at all.
type NoneMethod struct {
	store storage.ClientStore
}

var _ Method = (*NoneMethod)(nil)

// NewNoneMethod creates the public-client method.
func NewNoneMethod(store storage.ClientStore) *NoneMethod {
	return &NoneMethod{store: store}
}

// Name returns "none".
func (*NoneMethod) Name() string { return oauth.AuthMethodNone }

// Detect reports whether only a client_id is present: no secret, no
// assertion, no authorization header.
func (*NoneMethod) Detect(r *http.Request) bool {
	return r.PostFormValue("client_id") != "" &&
		r.PostFormValue("client_secret") == "" &&
		r.PostFormValue("client_assertion") == "" &&
		r.Header.Get("Authorization") == ""
}

// Authenticate resolves the client and rejects any client that is not
// registered as public. A confidential client must never downgrade to
// unauthenticated requests.
func (m *NoneMethod) Authenticate(ctx context.Context, r *http.Request) (*entities.Client, error) {
	client, err := fetchClient(ctx, m.store, r.PostFormValue("client_id"), "Basic")
	if err != nil {
		return nil, err
	}
	if client.AuthenticationMethod != oauth.AuthMethodNone || client.Secret != "" {
		return nil, invalidClient("Basic")
	}
	return client, nil
}
