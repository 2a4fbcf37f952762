// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stacklok/authserver/pkg/crypto"
	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/oauth"
	"github.com/stacklok/authserver/pkg/storage"
)

// clientMetadata is the RFC 7591 registration request document. Absent
// members take the protocol defaults.
type clientMetadata struct {
	RedirectURIs            []string        `json:"redirect_uris"`
	PostLogoutRedirectURIs  []string        `json:"post_logout_redirect_uris,omitempty"`
	TokenEndpointAuthMethod string          `json:"token_endpoint_auth_method,omitempty"`
	TokenEndpointSigningAlg string          `json:"token_endpoint_auth_signing_alg,omitempty"`
	GrantTypes              []string        `json:"grant_types,omitempty"`
	ResponseTypes           []string        `json:"response_types,omitempty"`
	Scope                   string          `json:"scope,omitempty"`
	SubjectType             string          `json:"subject_type,omitempty"`
	SectorIdentifierURI     string          `json:"sector_identifier_uri,omitempty"`
	IDTokenSignedAlg        string          `json:"id_token_signed_response_alg,omitempty"`
	UserinfoSignedAlg       string          `json:"userinfo_signed_response_alg,omitempty"`
	ApplicationType         string          `json:"application_type,omitempty"`
	JWKS                    json.RawMessage `json:"jwks,omitempty"`
	JWKSURI                 string          `json:"jwks_uri,omitempty"`
	ClientName              string          `json:"client_name,omitempty"`
	ClientURI               string          `json:"client_uri,omitempty"`
	LogoURI                 string          `json:"logo_uri,omitempty"`
	PolicyURI               string          `json:"policy_uri,omitempty"`
	TOSURI                  string          `json:"tos_uri,omitempty"`
	Contacts                []string        `json:"contacts,omitempty"`
}

// registrationResponse is the RFC 7591 section 3.2.1 success document.
type registrationResponse struct {
	ClientID                string `json:"client_id"`
	ClientSecret            string `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64  `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64  `json:"client_secret_expires_at"`
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`
	clientMetadata
}

// Register implements dynamic client registration (RFC 7591).
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var meta clientMetadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		h.writeError(w, "register", oauth.InvalidRequest("The registration document could not be parsed."))
		return
	}

	now := time.Now()
	client := &entities.Client{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.applyMetadata(r, client, &meta); err != nil {
		h.writeError(w, "register", err)
		return
	}

	var secret string
	if client.AuthenticationMethod != oauth.AuthMethodNone {
		s, err := crypto.NewOpaqueToken()
		if err != nil {
			h.writeError(w, "register", err)
			return
		}
		secret = s
		client.Secret = secret
	}

	regToken, err := crypto.NewOpaqueToken()
	if err != nil {
		h.writeError(w, "register", err)
		return
	}
	hash, err := crypto.HashBearerToken(regToken)
	if err != nil {
		h.writeError(w, "register", err)
		return
	}
	client.RegistrationAccessTokenHash = hash

	if err := h.store.PutClient(r.Context(), client); err != nil {
		h.writeError(w, "register", err)
		return
	}
	logger.Infow("registered client", "client_id", client.ID, "auth_method", client.AuthenticationMethod)

	resp := h.registrationResponseFor(client, secret)
	resp.RegistrationAccessToken = regToken
	writeTokenJSON(w, http.StatusCreated, resp)
}

// applyMetadata validates a registration document against the server's
// allowlists and writes it onto the client.
func (h *Handlers) applyMetadata(r *http.Request, client *entities.Client, meta *clientMetadata) error {
	if len(meta.RedirectURIs) == 0 {
		return oauth.InvalidRequest("The registration must name at least one redirect URI.")
	}

	applicationType := meta.ApplicationType
	if applicationType == "" {
		applicationType = oauth.ApplicationTypeWeb
	}
	if applicationType != oauth.ApplicationTypeWeb && applicationType != oauth.ApplicationTypeNative {
		return oauth.InvalidRequest("The application type %q is not supported.", applicationType)
	}
	for _, uri := range meta.RedirectURIs {
		if err := oauth.ValidateRedirectURI(uri, applicationType); err != nil {
			return err
		}
	}

	authMethod := meta.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = oauth.AuthMethodBasic
	}
	if !h.registry.HasClientAuthMethod(authMethod) {
		return oauth.InvalidRequest("The authentication method %q is not enabled on this server.", authMethod)
	}

	grantTypes := meta.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{oauth.GrantTypeAuthorizationCode}
	}
	for _, gt := range grantTypes {
		if !h.registry.HasGrantType(gt) {
			return oauth.InvalidRequest("The grant type %q is not enabled on this server.", gt)
		}
	}

	responseTypes := meta.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{oauth.ResponseTypeCode}
	}
	for i, rt := range responseTypes {
		canonical := oauth.CanonicalResponseType(rt)
		if !h.registry.HasResponseType(canonical) {
			return oauth.InvalidRequest("The response type %q is not enabled on this server.", rt)
		}
		responseTypes[i] = canonical
	}

	scopes := oauth.ParseScopes(meta.Scope)
	if len(h.cfg.Scopes) > 0 {
		allowed := oauth.Scopes(h.cfg.Scopes)
		for _, s := range scopes {
			if !allowed.Contains(s) {
				return oauth.InvalidScope("The scope %q is not supported by this server.", s)
			}
		}
	}

	subjectType := meta.SubjectType
	if subjectType == "" {
		subjectType = oauth.SubjectTypePublic
	}
	if subjectType != oauth.SubjectTypePublic && subjectType != oauth.SubjectTypePairwise {
		return oauth.InvalidRequest("The subject type %q is not supported.", subjectType)
	}

	if alg := meta.IDTokenSignedAlg; alg != "" && alg != "none" && !containsString(h.idTokens.SupportedAlgorithms(), alg) {
		return oauth.InvalidRequest("The id_token signing algorithm %q is not enabled on this server.", alg)
	}
	if alg := meta.UserinfoSignedAlg; alg != "" && !containsString(h.idTokens.SupportedAlgorithms(), alg) {
		return oauth.InvalidRequest("The userinfo signing algorithm %q is not enabled on this server.", alg)
	}

	client.RedirectURIs = meta.RedirectURIs
	client.PostLogoutRedirectURIs = meta.PostLogoutRedirectURIs
	client.AuthenticationMethod = authMethod
	client.AuthenticationSigningAlg = meta.TokenEndpointSigningAlg
	client.GrantTypes = grantTypes
	client.ResponseTypes = responseTypes
	client.Scopes = scopes
	client.SubjectType = subjectType
	client.SectorIdentifierURI = meta.SectorIdentifierURI
	client.IDTokenSignedResponseAlg = meta.IDTokenSignedAlg
	client.UserinfoSignedResponseAlg = meta.UserinfoSignedAlg
	client.ApplicationType = applicationType
	client.JWKS = meta.JWKS
	client.JWKSURI = meta.JWKSURI
	client.ClientName = meta.ClientName
	client.ClientURI = meta.ClientURI
	client.LogoURI = meta.LogoURI
	client.PolicyURI = meta.PolicyURI
	client.TOSURI = meta.TOSURI
	client.Contacts = meta.Contacts

	if subjectType == oauth.SubjectTypePairwise {
		if client.PairwiseSalt == "" {
			salt, err := crypto.NewOpaqueToken()
			if err != nil {
				return err
			}
			client.PairwiseSalt = salt
		}
		if h.sectors != nil {
			if err := h.sectors.Validate(r.Context(), client); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handlers) registrationResponseFor(client *entities.Client, secret string) *registrationResponse {
	return &registrationResponse{
		ClientID:              client.ID,
		ClientSecret:          secret,
		ClientIDIssuedAt:      client.CreatedAt.Unix(),
		ClientSecretExpiresAt: 0,
		RegistrationClientURI: h.cfg.Issuer + PathRegister + "/" + client.ID,
		clientMetadata: clientMetadata{
			RedirectURIs:            client.RedirectURIs,
			PostLogoutRedirectURIs:  client.PostLogoutRedirectURIs,
			TokenEndpointAuthMethod: client.AuthenticationMethod,
			TokenEndpointSigningAlg: client.AuthenticationSigningAlg,
			GrantTypes:              client.GrantTypes,
			ResponseTypes:           client.ResponseTypes,
			Scope:                   strings.Join(client.Scopes, " "),
			SubjectType:             client.SubjectType,
			SectorIdentifierURI:     client.SectorIdentifierURI,
			IDTokenSignedAlg:        client.IDTokenSignedResponseAlg,
			UserinfoSignedAlg:       client.UserinfoSignedResponseAlg,
			ApplicationType:         client.ApplicationType,
			JWKS:                    client.JWKS,
			JWKSURI:                 client.JWKSURI,
			ClientName:              client.ClientName,
			ClientURI:               client.ClientURI,
			LogoURI:                 client.LogoURI,
			PolicyURI:               client.PolicyURI,
			TOSURI:                  client.TOSURI,
			Contacts:                client.Contacts,
		},
	}
}

// managedClient authorizes an RFC 7592 management request: the path names the
// client, the bearer token must match the stored registration token hash.
// Unknown clients and bad tokens are indistinguishable.
func (h *Handlers) managedClient(r *http.Request) (*entities.Client, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, invalidRegistrationToken()
	}
	clientID := chi.URLParam(r, "clientID")
	client, err := h.store.GetClient(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidRegistrationToken()
		}
		return nil, err
	}
	if client.RegistrationAccessTokenHash == "" ||
		!crypto.VerifyBearerToken(client.RegistrationAccessTokenHash, token) {
		return nil, invalidRegistrationToken()
	}
	return client, nil
}

func invalidRegistrationToken() *oauth.Error {
	return oauth.InvalidToken("The registration access token is invalid.").
		WithHeader("WWW-Authenticate", `Bearer realm="oauth"`)
}

// RegistrationGet returns the current registration (RFC 7592 section 2.1).
func (h *Handlers) RegistrationGet(w http.ResponseWriter, r *http.Request) {
	client, err := h.managedClient(r)
	if err != nil {
		h.writeError(w, "register", err)
		return
	}
	writeTokenJSON(w, http.StatusOK, h.registrationResponseFor(client, client.Secret))
}

// RegistrationUpdate replaces the registration metadata (RFC 7592 section
// 2.2). The client id, secret, and registration token survive the update.
func (h *Handlers) RegistrationUpdate(w http.ResponseWriter, r *http.Request) {
	client, err := h.managedClient(r)
	if err != nil {
		h.writeError(w, "register", err)
		return
	}
	var meta clientMetadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		h.writeError(w, "register", oauth.InvalidRequest("The registration document could not be parsed."))
		return
	}
	if err := h.applyMetadata(r, client, &meta); err != nil {
		h.writeError(w, "register", err)
		return
	}
	client.UpdatedAt = time.Now()
	if err := h.store.PutClient(r.Context(), client); err != nil {
		h.writeError(w, "register", err)
		return
	}
	writeTokenJSON(w, http.StatusOK, h.registrationResponseFor(client, client.Secret))
}

// RegistrationDelete deprovisions the client (RFC 7592 section 2.3).
func (h *Handlers) RegistrationDelete(w http.ResponseWriter, r *http.Request) {
	client, err := h.managedClient(r)
	if err != nil {
		h.writeError(w, "register", err)
		return
	}
	if err := h.store.DeleteClient(r.Context(), client.ID); err != nil {
		h.writeError(w, "register", err)
		return
	}
	logger.Infow("deleted client registration", "client_id", client.ID)
	w.WriteHeader(http.StatusNoContent)
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
