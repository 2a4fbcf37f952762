// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/authserver/pkg/keys"
	"github.com/stacklok/authserver/pkg/strategy"
)

// MinSecretKeyLength is the minimum length of the pairwise secret key in
// bytes. 32 bytes (256 bits) per OWASP/NIST guidelines.
const MinSecretKeyLength = 32

// Default lifespans applied where the configuration leaves them zero.
const (
	DefaultAccessTokenLifespan  = time.Hour
	DefaultRefreshTokenLifespan = 30 * 24 * time.Hour
	DefaultAuthCodeLifespan     = 10 * time.Minute
	DefaultIDTokenLifespan      = time.Hour
	DefaultDeviceCodeLifespan   = 10 * time.Minute

	DefaultDevicePollInterval = 5

	DefaultMaxLocalSubjectLength = 64

	DefaultSectorCacheTTL = 5 * time.Minute
	DefaultPurgeInterval  = 5 * time.Minute
)

// InteractionURLs locates the external login/consent UI. Challenges are
// appended as query parameters when redirecting the user agent there.
type InteractionURLs struct {
	Login         string
	Consent       string
	SelectAccount string
	Create        string
	Error         string
	Logout        string
}

// Config is the full configuration of an authorization server instance.
// Zero values take the documented defaults; Validate runs at construction
// and configuration errors fail the bootstrap with descriptive messages.
type Config struct {
	// Issuer is the issuer identifier, included in the "iss" claim of issued
	// tokens and in the iss authorization response parameter. Must be an
	// https URL without query or fragment; plain http is accepted for
	// loopback hosts only.
	Issuer string

	// Scopes is the advertised scopes_supported list.
	Scopes []string

	// Strategies selects the enabled protocol strategies. Nil lists take the
	// registry defaults; empty lists disable the concern.
	Strategies strategy.Lists

	// Interaction locates the external UI. Login, Consent, and Error are
	// required.
	Interaction InteractionURLs

	// Keys signs ID tokens, signed userinfo, and JARM responses.
	Keys keys.Provider

	// SecretKey derives pairwise subject identifiers. Must be at least
	// MinSecretKeyLength bytes and consistent across replicas.
	SecretKey []byte

	// MaxLocalSubjectLength bounds user ids eligible for pairwise
	// derivation. If zero, defaults to 64.
	MaxLocalSubjectLength int

	// IDTokenSignatureAlgorithms constrains the algorithms clients may
	// register for id_token_signed_response_alg. If empty, defaults to
	// RS256 and ES256.
	IDTokenSignatureAlgorithms []string

	// Lifespans. If zero, each defaults to the matching constant above;
	// session, login, grant, and consent lifespans default inside the flow
	// engine.
	AccessTokenLifespan  time.Duration
	RefreshTokenLifespan time.Duration
	AuthCodeLifespan     time.Duration
	IDTokenLifespan      time.Duration
	DeviceCodeLifespan   time.Duration
	SessionLifespan      time.Duration
	LoginLifespan        time.Duration
	GrantLifespan        time.Duration
	ConsentLifespan      time.Duration

	// DevicePollInterval is the minimum device polling interval in seconds.
	// If zero, defaults to 5.
	DevicePollInterval int
	// DeviceVerificationURI is the URI shown to the user for entering the
	// user code. If empty, defaults to issuer + "/activate".
	DeviceVerificationURI string

	// RotateRefreshTokens issues a successor refresh token on every refresh
	// exchange and detects replay of rotated tokens. Default false.
	RotateRefreshTokens bool

	// AccessTokenRevocation cascades refresh token revocation to the access
	// tokens derived from it. If nil, defaults to true.
	AccessTokenRevocation *bool

	// Endpoint switches. Revocation and introspection default to enabled;
	// device authorization and dynamic registration default to disabled.
	EnableRevocationEndpoint        *bool
	EnableIntrospectionEndpoint     *bool
	EnableRefreshTokenIntrospection bool
	EnableDeviceAuthorizationGrant  bool
	EnableRegistrationEndpoint      bool

	// PermissiveScopes narrows out-of-allowlist scope requests silently
	// instead of failing with invalid_scope.
	PermissiveScopes bool

	// SecureCookies marks session and grant cookies Secure. If nil,
	// defaults to true; disable only for plain-http development setups.
	SecureCookies *bool
	// SessionCookieTTL bounds the session cookie lifetime.
	SessionCookieTTL time.Duration

	// HTTPClient performs outbound fetches (client JWKS, sector identifier
	// documents). If nil, a default client with sane timeouts is used.
	HTTPClient *http.Client
	// SectorCacheTTL memoizes fetched sector identifier documents. If zero,
	// defaults to 5 minutes.
	SectorCacheTTL time.Duration

	// PurgeInterval drives the background sweep of expired records. If
	// zero, defaults to 5 minutes; negative disables the sweeper.
	PurgeInterval time.Duration
}

func (c *Config) applyDefaults() {
	c.Issuer = strings.TrimSuffix(c.Issuer, "/")
	if c.MaxLocalSubjectLength == 0 {
		c.MaxLocalSubjectLength = DefaultMaxLocalSubjectLength
	}
	if len(c.IDTokenSignatureAlgorithms) == 0 {
		c.IDTokenSignatureAlgorithms = []string{"RS256", "ES256"}
	}
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = DefaultAccessTokenLifespan
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = DefaultRefreshTokenLifespan
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = DefaultAuthCodeLifespan
	}
	if c.IDTokenLifespan == 0 {
		c.IDTokenLifespan = DefaultIDTokenLifespan
	}
	if c.DeviceCodeLifespan == 0 {
		c.DeviceCodeLifespan = DefaultDeviceCodeLifespan
	}
	if c.DevicePollInterval == 0 {
		c.DevicePollInterval = DefaultDevicePollInterval
	}
	if c.DeviceVerificationURI == "" {
		c.DeviceVerificationURI = c.Issuer + "/activate"
	}
	if c.AccessTokenRevocation == nil {
		c.AccessTokenRevocation = boolPtr(true)
	}
	if c.EnableRevocationEndpoint == nil {
		c.EnableRevocationEndpoint = boolPtr(true)
	}
	if c.EnableIntrospectionEndpoint == nil {
		c.EnableIntrospectionEndpoint = boolPtr(true)
	}
	if c.SecureCookies == nil {
		c.SecureCookies = boolPtr(true)
	}
	if c.SectorCacheTTL == 0 {
		c.SectorCacheTTL = DefaultSectorCacheTTL
	}
	if c.PurgeInterval == 0 {
		c.PurgeInterval = DefaultPurgeInterval
	}
}

// Validate checks the configuration. Called by New after defaults are
// applied.
func (c *Config) Validate() error {
	if err := validateIssuer(c.Issuer); err != nil {
		return err
	}
	if c.Keys == nil {
		return fmt.Errorf("a signing key provider is required")
	}
	if len(c.SecretKey) < MinSecretKeyLength {
		return fmt.Errorf("secret key must be at least %d bytes", MinSecretKeyLength)
	}
	if c.Interaction.Login == "" || c.Interaction.Consent == "" || c.Interaction.Error == "" {
		return fmt.Errorf("login, consent, and error interaction URLs are required")
	}
	return nil
}

func validateIssuer(issuer string) error {
	if issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer must not carry a query or fragment")
	}
	switch u.Scheme {
	case "https":
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("issuer must use https (http is allowed for loopback hosts only)")
		}
	default:
		return fmt.Errorf("issuer must be an http(s) URL, got scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("issuer must carry a host")
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }
