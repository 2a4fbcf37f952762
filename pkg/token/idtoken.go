// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/authserver/pkg/crypto"
	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/keys"
	"github.com/stacklok/authserver/pkg/oauth"
)

// DefaultIDTokenTTL is the ID token lifetime when none is configured.
const DefaultIDTokenTTL = time.Hour

// IDTokenService builds and signs ID tokens and signed userinfo responses.
type IDTokenService struct {
	issuer                string
	keys                  keys.Provider
	secretKey             []byte
	maxLocalSubjectLength int
	allowedAlgs           map[string]struct{}
	ttl                   time.Duration
}

// NewIDTokenService creates the service. allowedAlgs is the closed set of
// id_token signing algorithms this server offers; "none" is honored only for
// clients explicitly registered with it, regardless of this list.
func NewIDTokenService(issuer string, provider keys.Provider, secretKey []byte, maxLocalSubjectLength int, allowedAlgs []string, ttl time.Duration) *IDTokenService {
	if ttl <= 0 {
		ttl = DefaultIDTokenTTL
	}
	set := make(map[string]struct{}, len(allowedAlgs))
	for _, a := range allowedAlgs {
		set[a] = struct{}{}
	}
	return &IDTokenService{
		issuer:                issuer,
		keys:                  provider,
		secretKey:             secretKey,
		maxLocalSubjectLength: maxLocalSubjectLength,
		allowedAlgs:           set,
		ttl:                   ttl,
	}
}

// SupportedAlgorithms returns the advertised id_token signing algorithms.
func (s *IDTokenService) SupportedAlgorithms() []string {
	out := make([]string, 0, len(s.allowedAlgs))
	for a := range s.allowedAlgs {
		out = append(out, a)
	}
	return out
}

// Subject derives the sub claim for a user at a client: the raw user id for
// public clients, the sector-encrypted pairwise identifier otherwise.
func (s *IDTokenService) Subject(client *entities.Client, userID string) (string, error) {
	if client.SubjectType != oauth.SubjectTypePairwise {
		return userID, nil
	}
	sector, err := sectorIdentifier(client)
	if err != nil {
		return "", err
	}
	sub, err := crypto.PairwiseSubject(s.secretKey, sector, userID, client.PairwiseSalt, s.maxLocalSubjectLength)
	if err != nil {
		return "", fmt.Errorf("failed to derive pairwise subject: %w", err)
	}
	return sub, nil
}

// sectorIdentifier is the host component the pairwise derivation operates
// on: the sector_identifier_uri host when registered, else the host of the
// single redirect URI.
func sectorIdentifier(client *entities.Client) (string, error) {
	raw := client.SectorIdentifierURI
	if raw == "" {
		if len(client.RedirectURIs) == 0 {
			return "", fmt.Errorf("client %q has no redirect URIs to derive a sector from", client.ID)
		}
		raw = client.RedirectURIs[0]
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid sector identifier %q: %w", raw, err)
	}
	return u.Host, nil
}

// IDTokenParams carries the inputs of one ID token.
type IDTokenParams struct {
	Client      *entities.Client
	UserID      string
	Nonce       string
	AuthTime    time.Time
	ACR         string
	AMR         []string
	AccessToken string // yields at_hash when set
	Code        string // yields c_hash when set
	// ExtraClaims merges additional claims (from the claims request
	// parameter) into the token body. Registered claims cannot be
	// overridden.
	ExtraClaims map[string]any
}

// defaultAlgorithm picks the signing algorithm for clients that registered
// no id_token_signed_response_alg: RS256 when the server enables it,
// otherwise the first enabled algorithm in sorted order.
func (s *IDTokenService) defaultAlgorithm() string {
	if len(s.allowedAlgs) == 0 {
		return "RS256"
	}
	if _, ok := s.allowedAlgs["RS256"]; ok {
		return "RS256"
	}
	algs := s.SupportedAlgorithms()
	sort.Strings(algs)
	return algs[0]
}

// Issue builds and signs an ID token for the client's registered algorithm.
func (s *IDTokenService) Issue(ctx context.Context, p IDTokenParams) (string, error) {
	alg := p.Client.IDTokenSignedResponseAlg
	if alg == "" {
		alg = s.defaultAlgorithm()
	}

	sub, err := s.Subject(p.Client, p.UserID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := map[string]any{
		"iss": s.issuer,
		"sub": sub,
		"aud": p.Client.ID,
		"exp": now.Add(s.ttl).Unix(),
		"iat": now.Unix(),
		"azp": p.Client.ID,
	}
	if !p.AuthTime.IsZero() {
		claims["auth_time"] = p.AuthTime.Unix()
	}
	if p.Nonce != "" {
		claims["nonce"] = p.Nonce
	}
	if p.ACR != "" {
		claims["acr"] = p.ACR
	}
	if len(p.AMR) > 0 {
		claims["amr"] = p.AMR
	}
	for k, v := range p.ExtraClaims {
		if _, reserved := claims[k]; !reserved {
			claims[k] = v
		}
	}

	if alg != "none" {
		hashAlg := jose.SignatureAlgorithm(alg)
		if p.AccessToken != "" {
			atHash, err := crypto.TokenHash(hashAlg, p.AccessToken)
			if err != nil {
				return "", err
			}
			claims["at_hash"] = atHash
		}
		if p.Code != "" {
			cHash, err := crypto.TokenHash(hashAlg, p.Code)
			if err != nil {
				return "", err
			}
			claims["c_hash"] = cHash
		}
	}

	return s.signClaims(ctx, p.Client, alg, claims)
}

// SignUserinfo signs a userinfo claim document with the client's registered
// userinfo algorithm. The issuer and audience are added per OIDC Core
// section 5.3.2.
func (s *IDTokenService) SignUserinfo(ctx context.Context, client *entities.Client, claims map[string]any) (string, error) {
	alg := client.UserinfoSignedResponseAlg
	if alg == "" {
		return "", fmt.Errorf("client %q did not register a userinfo signing algorithm", client.ID)
	}
	body := make(map[string]any, len(claims)+2)
	for k, v := range claims {
		body[k] = v
	}
	body["iss"] = s.issuer
	body["aud"] = client.ID
	return s.signClaims(ctx, client, alg, body)
}

// signClaims serializes and signs a claim set. "none" yields an unsecured
// JWT and is honored only for clients explicitly registered with it;
// HS algorithms key off the client secret; everything else uses the server's
// signing keys.
func (s *IDTokenService) signClaims(ctx context.Context, client *entities.Client, alg string, claims map[string]any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to serialize claims: %w", err)
	}

	if alg == "none" {
		if client.IDTokenSignedResponseAlg != "none" {
			return "", fmt.Errorf("unsecured tokens are disabled unless the client registers alg none")
		}
		header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
		return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".", nil
	}

	if _, ok := s.allowedAlgs[alg]; !ok && len(s.allowedAlgs) > 0 {
		return "", fmt.Errorf("signing algorithm %q is not enabled on this server", alg)
	}

	var signingKey jose.SigningKey
	if strings.HasPrefix(alg, "HS") {
		if client.Secret == "" {
			return "", fmt.Errorf("client %q has no secret for symmetric signing", client.ID)
		}
		signingKey = jose.SigningKey{
			Algorithm: jose.SignatureAlgorithm(alg),
			Key:       []byte(client.Secret),
		}
	} else {
		key, err := s.keys.SigningKey(ctx, alg)
		if err != nil {
			return "", fmt.Errorf("no signing key for %s: %w", alg, err)
		}
		signingKey = jose.SigningKey{
			Algorithm: jose.SignatureAlgorithm(alg),
			Key: jose.JSONWebKey{
				Key:   key.Key,
				KeyID: key.KeyID,
			},
		}
	}

	signer, err := jose.NewSigner(signingKey, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize token: %w", err)
	}
	return compact, nil
}
