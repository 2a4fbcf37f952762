// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// BasicMethod implements client_secret_basic (RFC 6749 section 2.3.1): the
// client id and secret travel form-urlencoded inside an Authorization: Basic
// header.
type BasicMethod struct {
	store storage.ClientStore
}

var _ Method = (*BasicMethod)(nil)

// NewBasicMethod creates the client_secret_basic method.
func NewBasicMethod(store storage.ClientStore) *BasicMethod {
	return &BasicMethod{store: store}
}

// Name returns "client_secret_basic".
func (*BasicMethod) Name() string { return oauth.AuthMethodBasic }

// Detect reports whether the request carries a Basic authorization header.
func (*BasicMethod) Detect(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), "Basic ")
}

// Authenticate parses and verifies the Basic credentials. Every rejection
// reason collapses into the same invalid_client response.
func (m *BasicMethod) Authenticate(ctx context.Context, r *http.Request) (*entities.Client, error) {
	clientID, secret, err := parseBasicAuth(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	client, err := fetchClient(ctx, m.store, clientID, "Basic")
	if err != nil {
		return nil, err
	}
	if err := verifySecret(client, oauth.AuthMethodBasic, secret, "Basic", time.Now()); err != nil {
		return nil, err
	}
	return client, nil
}

// parseBasicAuth decodes "Basic base64(id:secret)" strictly: a missing or
// empty token, a non-base64 payload, a payload without a colon, and an empty
// id or secret are all rejected. StdEncoding.Strict refuses characters
// outside the base64 alphabet and non-canonical padding.
func parseBasicAuth(header string) (clientID, secret string, err error) {
	token := strings.TrimPrefix(header, "Basic ")
	if token == "" || token == header {
		return "", "", invalidClient("Basic")
	}

	raw, decodeErr := base64.StdEncoding.Strict().DecodeString(token)
	if decodeErr != nil {
		return "", "", invalidClient("Basic")
	}

	idPart, secretPart, found := strings.Cut(string(raw), ":")
	if !found || idPart == "" || secretPart == "" {
		return "", "", invalidClient("Basic")
	}

	// RFC 6749 section 2.3.1: both values are form-urlencoded before the
	// base64 step.
	clientID, err1 := url.QueryUnescape(idPart)
	secret, err2 := url.QueryUnescape(secretPart)
	if err1 != nil || err2 != nil || clientID == "" || secret == "" {
		return "", "", invalidClient("Basic")
	}
	return clientID, secret, nil
}
