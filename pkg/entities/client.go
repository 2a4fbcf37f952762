// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package entities defines the persistent domain records of the authorization
// server. Stores own these records exclusively; they cross store boundaries
// by value, and relationships are expressed through identifiers rather than
// in-memory pointers.
package entities

import (
	"encoding/json"
	"time"

	"github.com/stacklok/authserver/pkg/oauth"
)

// Client is a registered relying party.
type Client struct {
	ID              string    `json:"id"`
	Secret          string    `json:"secret,omitempty"`
	SecretExpiresAt time.Time `json:"secret_expires_at"`

	RedirectURIs           []string `json:"redirect_uris"`
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty"`

	// AuthenticationMethod is the registered token_endpoint_auth_method.
	AuthenticationMethod string `json:"token_endpoint_auth_method"`
	// AuthenticationSigningAlg constrains client assertion algorithms for the
	// client_secret_jwt and private_key_jwt methods.
	AuthenticationSigningAlg string `json:"token_endpoint_auth_signing_alg,omitempty"`

	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	Scopes        []string `json:"scopes"`

	SubjectType         string `json:"subject_type"`
	SectorIdentifierURI string `json:"sector_identifier_uri,omitempty"`
	PairwiseSalt        string `json:"pairwise_salt,omitempty"`

	IDTokenSignedResponseAlg    string `json:"id_token_signed_response_alg,omitempty"`
	IDTokenEncryptedResponseAlg string `json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptedResponseEnc string `json:"id_token_encrypted_response_enc,omitempty"`
	UserinfoSignedResponseAlg   string `json:"userinfo_signed_response_alg,omitempty"`
	RequestObjectSigningAlg     string `json:"request_object_signing_alg,omitempty"`

	ApplicationType string   `json:"application_type"`
	RequirePKCE     bool     `json:"require_pkce,omitempty"`
	// SkipConsent suppresses the consent interaction for first-party
	// clients; scopes are granted as requested.
	SkipConsent bool     `json:"skip_consent,omitempty"`
	ACRValues   []string `json:"acr_values,omitempty"`

	// JWKS and JWKSURI supply verification keys for private_key_jwt and
	// self_signed_tls_client_auth.
	JWKS    json.RawMessage `json:"jwks,omitempty"`
	JWKSURI string          `json:"jwks_uri,omitempty"`

	// TLSSubjectDN is the expected certificate subject for tls_client_auth
	// (RFC 8705).
	TLSSubjectDN string `json:"tls_client_auth_subject_dn,omitempty"`

	// Registration metadata (RFC 7591).
	ClientName string   `json:"client_name,omitempty"`
	ClientURI  string   `json:"client_uri,omitempty"`
	LogoURI    string   `json:"logo_uri,omitempty"`
	PolicyURI  string   `json:"policy_uri,omitempty"`
	TOSURI     string   `json:"tos_uri,omitempty"`
	Contacts   []string `json:"contacts,omitempty"`

	// RegistrationAccessTokenHash guards RFC 7592 management requests.
	// Only the bcrypt hash is stored.
	RegistrationAccessTokenHash string `json:"registration_access_token_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPublic reports whether the client authenticates with the "none" method.
func (c *Client) IsPublic() bool {
	return c.AuthenticationMethod == oauth.AuthMethodNone
}

// RequiresPKCE reports whether authorization code requests from this client
// must carry a code challenge. Public clients always do.
func (c *Client) RequiresPKCE() bool {
	return c.RequirePKCE || c.IsPublic()
}

// SecretExpired reports whether the client secret has an expiry in the past.
func (c *Client) SecretExpired(now time.Time) bool {
	return !c.SecretExpiresAt.IsZero() && now.After(c.SecretExpiresAt)
}

// HasGrantType reports whether the client may use the given grant type.
func (c *Client) HasGrantType(grantType string) bool {
	return contains(c.GrantTypes, grantType)
}

// HasResponseType reports whether the client may use the given response type.
func (c *Client) HasResponseType(responseType string) bool {
	return contains(c.ResponseTypes, responseType)
}

// HasScope reports whether the scope is in the client allowlist.
func (c *Client) HasScope(scope string) bool {
	return contains(c.Scopes, scope)
}

// AllowedScopes returns the client scope allowlist as a scope set.
func (c *Client) AllowedScopes() oauth.Scopes {
	return oauth.Scopes(c.Scopes)
}

// HasACRValue reports whether the given acr is within the client's
// registered acr_values. An empty registration accepts any acr.
func (c *Client) HasACRValue(acr string) bool {
	if len(c.ACRValues) == 0 {
		return true
	}
	return contains(c.ACRValues, acr)
}

// Clone returns a deep copy suitable for handing across store boundaries.
func (c *Client) Clone() *Client {
	cp := *c
	cp.RedirectURIs = cloneStrings(c.RedirectURIs)
	cp.PostLogoutRedirectURIs = cloneStrings(c.PostLogoutRedirectURIs)
	cp.GrantTypes = cloneStrings(c.GrantTypes)
	cp.ResponseTypes = cloneStrings(c.ResponseTypes)
	cp.Scopes = cloneStrings(c.Scopes)
	cp.ACRValues = cloneStrings(c.ACRValues)
	cp.Contacts = cloneStrings(c.Contacts)
	if c.JWKS != nil {
		cp.JWKS = make(json.RawMessage, len(c.JWKS))
		copy(cp.JWKS, c.JWKS)
	}
	return &cp
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
