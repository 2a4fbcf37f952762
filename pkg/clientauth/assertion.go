// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// assertionClockSkew is the leeway applied to exp/nbf/iat checks on client
// assertions.
const assertionClockSkew = 30 * time.Second

// maxAssertionLifetime caps how long a jti must be remembered; assertions
// with a longer exp are rejected rather than letting a client grow the
// replay window arbitrarily.
const maxAssertionLifetime = time.Hour

// AssertionVerifier holds the pieces shared by the two JWT authentication
// methods: it resolves the client named in the assertion, verifies the
// signature, and enforces the RFC 7523 claim rules (iss == sub == client_id,
// aud is the token endpoint, exp in the future, jti unreplayed).
type AssertionVerifier struct {
	store         storage.ClientStore
	replay        storage.ReplayStore
	tokenEndpoint string
	keys          *KeyResolver
}

// NewAssertionVerifier creates the shared verifier. tokenEndpoint is the
// absolute URL assertions must name as their audience.
func NewAssertionVerifier(store storage.ClientStore, replay storage.ReplayStore, keys *KeyResolver, tokenEndpoint string) *AssertionVerifier {
	return &AssertionVerifier{
		store:         store,
		replay:        replay,
		tokenEndpoint: tokenEndpoint,
		keys:          keys,
	}
}

// detectAssertion reports whether the request carries a JWT bearer client
// assertion at all.
func detectAssertion(r *http.Request) bool {
	return r.PostFormValue("client_assertion_type") == oauth.ClientAssertionTypeJWTBearer &&
		r.PostFormValue("client_assertion") != ""
}

// assertionAlg peeks at the unverified JOSE header to classify the
// assertion's algorithm family. Detection must not verify anything.
func assertionAlg(assertion string) string {
	token, _, err := jwt.NewParser().ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	return token.Method.Alg()
}

// verify runs the full assertion check for either method. wantHMAC selects
// whether the signature must be symmetric (client_secret_jwt) or asymmetric
// (private_key_jwt).
func (v *AssertionVerifier) verify(ctx context.Context, r *http.Request, methodName string, wantHMAC bool) (*entities.Client, error) {
	assertion := r.PostFormValue("client_assertion")

	// The subject names the client; resolve it first so the keyfunc can
	// select the verification key. The unverified read is confirmed below
	// once the signature checks out.
	unverified, _, err := jwt.NewParser().ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return nil, invalidClient("Bearer")
	}
	claimedSub, err := unverified.Claims.GetSubject()
	if err != nil || claimedSub == "" {
		return nil, invalidClient("Bearer")
	}

	client, err := fetchClient(ctx, v.store, claimedSub, "Bearer")
	if err != nil {
		return nil, err
	}
	if client.AuthenticationMethod != methodName {
		return nil, invalidClient("Bearer")
	}

	keyfunc := func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		if client.AuthenticationSigningAlg != "" && alg != client.AuthenticationSigningAlg {
			return nil, fmt.Errorf("assertion algorithm %q does not match the registered %q", alg, client.AuthenticationSigningAlg)
		}
		isHMAC := strings.HasPrefix(alg, "HS")
		if isHMAC != wantHMAC {
			return nil, fmt.Errorf("unexpected assertion algorithm %q for %s", alg, methodName)
		}
		if wantHMAC {
			if client.Secret == "" || client.SecretExpired(time.Now()) {
				return nil, fmt.Errorf("client has no usable secret")
			}
			return []byte(client.Secret), nil
		}
		kid, _ := t.Header["kid"].(string)
		return v.keys.ResolveKey(ctx, client, kid)
	}

	parsed, err := jwt.Parse(assertion, keyfunc,
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(assertionClockSkew),
		jwt.WithAudience(v.tokenEndpoint),
		jwt.WithIssuer(client.ID),
	)
	if err != nil || !parsed.Valid {
		return nil, invalidClient("Bearer")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, invalidClient("Bearer")
	}
	sub, _ := claims.GetSubject()
	if sub != client.ID {
		// iss == client.ID was enforced by the parser; iss == sub closes
		// the triangle.
		return nil, invalidClient("Bearer")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, invalidClient("Bearer")
	}
	if time.Until(exp.Time) > maxAssertionLifetime {
		return nil, oauth.InvalidClient("The client assertion lifetime is too long.").
			WithHeader("WWW-Authenticate", `Bearer realm="oauth"`)
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil, invalidClient("Bearer")
	}
	if err := v.replay.CheckAndStoreJTI(ctx, jti, exp.Time); err != nil {
		if errors.Is(err, storage.ErrReplayed) {
			return nil, invalidClient("Bearer")
		}
		return nil, fmt.Errorf("failed to record assertion jti: %w", err)
	}

	return client, nil
}

// VerifyGrantAssertion checks a JWT used as an authorization grant (RFC 7523
// section 2.1) on behalf of an already-authenticated client and returns the
// subject it maps to. The claim rules mirror client authentication, but
// failures surface as invalid_grant: the client itself checked out.
func (v *AssertionVerifier) VerifyGrantAssertion(ctx context.Context, client *entities.Client, assertion string) (string, error) {
	keyfunc := func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		if strings.HasPrefix(alg, "HS") {
			if client.Secret == "" || client.SecretExpired(time.Now()) {
				return nil, fmt.Errorf("client has no usable secret")
			}
			return []byte(client.Secret), nil
		}
		kid, _ := t.Header["kid"].(string)
		return v.keys.ResolveKey(ctx, client, kid)
	}

	parsed, err := jwt.Parse(assertion, keyfunc,
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(assertionClockSkew),
		jwt.WithAudience(v.tokenEndpoint),
		jwt.WithIssuer(client.ID),
	)
	if err != nil || !parsed.Valid {
		return "", oauth.InvalidGrant("The provided assertion is invalid.")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", oauth.InvalidGrant("The provided assertion is invalid.")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", oauth.InvalidGrant("The assertion names no subject.")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return "", oauth.InvalidGrant("The provided assertion is invalid.")
	}
	if time.Until(exp.Time) > maxAssertionLifetime {
		return "", oauth.InvalidGrant("The assertion lifetime is too long.")
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return "", oauth.InvalidGrant("The assertion carries no jti.")
	}
	if err := v.replay.CheckAndStoreJTI(ctx, jti, exp.Time); err != nil {
		if errors.Is(err, storage.ErrReplayed) {
			return "", oauth.InvalidGrant("The assertion was already used.")
		}
		return "", fmt.Errorf("failed to record assertion jti: %w", err)
	}
	return sub, nil
}

// SecretJWTMethod implements client_secret_jwt: the assertion is signed with
// an HMAC keyed by the client secret.
type SecretJWTMethod struct {
	verifier *AssertionVerifier
}

var _ Method = (*SecretJWTMethod)(nil)

// NewSecretJWTMethod creates the client_secret_jwt method.
func NewSecretJWTMethod(verifier *AssertionVerifier) *SecretJWTMethod {
	return &SecretJWTMethod{verifier: verifier}
}

// Name returns "client_secret_jwt".
func (*SecretJWTMethod) Name() string { return oauth.AuthMethodSecretJWT }

// Detect reports whether the request carries an HMAC-signed assertion.
func (*SecretJWTMethod) Detect(r *http.Request) bool {
	return detectAssertion(r) && strings.HasPrefix(assertionAlg(r.PostFormValue("client_assertion")), "HS")
}

// Authenticate verifies the HMAC assertion.
func (m *SecretJWTMethod) Authenticate(ctx context.Context, r *http.Request) (*entities.Client, error) {
	return m.verifier.verify(ctx, r, oauth.AuthMethodSecretJWT, true)
}

// PrivateKeyJWTMethod implements private_key_jwt: the assertion is signed
// with a private key whose public half the client registered.
type PrivateKeyJWTMethod struct {
	verifier *AssertionVerifier
}

var _ Method = (*PrivateKeyJWTMethod)(nil)

// NewPrivateKeyJWTMethod creates the private_key_jwt method.
func NewPrivateKeyJWTMethod(verifier *AssertionVerifier) *PrivateKeyJWTMethod {
	return &PrivateKeyJWTMethod{verifier: verifier}
}

// Name returns "private_key_jwt".
func (*PrivateKeyJWTMethod) Name() string { return oauth.AuthMethodPrivateKeyJWT }

// Detect reports whether the request carries an asymmetric assertion.
func (*PrivateKeyJWTMethod) Detect(r *http.Request) bool {
	if !detectAssertion(r) {
		return false
	}
	alg := assertionAlg(r.PostFormValue("client_assertion"))
	return alg != "" && !strings.HasPrefix(alg, "HS")
}

// Authenticate verifies the asymmetric assertion.
func (m *PrivateKeyJWTMethod) Authenticate(ctx context.Context, r *http.Request) (*entities.Client, error) {
	return m.verifier.verify(ctx, r, oauth.AuthMethodPrivateKeyJWT, false)
}
