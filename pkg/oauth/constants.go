// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth defines the protocol vocabulary shared by every component of
// the authorization server: error values, grant and response type names,
// scope arithmetic, redirect URI matching, and the server metadata document.
package oauth

// Grant type identifiers registered with IANA.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// Response type identifiers, including the OIDC hybrid combinations.
// Multi-valued response types are canonicalized to the order below.
const (
	ResponseTypeCode             = "code"
	ResponseTypeToken            = "token"
	ResponseTypeIDToken          = "id_token"
	ResponseTypeCodeToken        = "code token"
	ResponseTypeCodeIDToken      = "code id_token"
	ResponseTypeIDTokenToken     = "id_token token"
	ResponseTypeCodeIDTokenToken = "code id_token token"
)

// Response modes for conveying authorization responses.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
	ResponseModeJWT      = "jwt"
)

// Client authentication method names.
const (
	AuthMethodBasic             = "client_secret_basic"
	AuthMethodPost              = "client_secret_post"
	AuthMethodNone              = "none"
	AuthMethodSecretJWT         = "client_secret_jwt"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"
	AuthMethodTLS               = "tls_client_auth"
	AuthMethodSelfSignedTLS     = "self_signed_tls_client_auth"
)

// ClientAssertionTypeJWTBearer is the assertion type for JWT client authentication.
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// PKCE code challenge methods.
const (
	PKCEMethodPlain = "plain"
	PKCEMethodS256  = "S256"
)

// Prompt values steering interaction requirements.
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
	PromptCreate        = "create"
)

// Display values hinting how the UI should present interaction pages.
const (
	DisplayPage  = "page"
	DisplayPopup = "popup"
	DisplayTouch = "touch"
	DisplayWap   = "wap"
)

// Subject identifier types.
const (
	SubjectTypePublic   = "public"
	SubjectTypePairwise = "pairwise"
)

// Application types.
const (
	ApplicationTypeWeb    = "web"
	ApplicationTypeNative = "native"
)

// Token type hints accepted by the revocation and introspection endpoints.
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// TokenTypeBearer is the only token type this server issues.
const TokenTypeBearer = "Bearer"

// ScopeOpenID gates OIDC behavior (ID tokens, userinfo claims).
const ScopeOpenID = "openid"

// Standard scope names with claim mappings defined by OIDC Core section 5.4.
const (
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeAddress       = "address"
	ScopePhone         = "phone"
	ScopeOfflineAccess = "offline_access"
)
