// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package strategy composes the interchangeable protocol strategies the
// server is configured with: grant types, response types, response modes,
// client authentication methods, PKCE methods, display, prompt, and ACR
// values. Each family is a list of protocol names validated against a closed
// allowlist; the registry is immutable after construction and safe for
// concurrent reads.
package strategy

import (
	"fmt"

	"github.com/stacklok/authserver/pkg/oauth"
)

// Closed allowlists per family. Configuration may only select names from
// these; the selected subset is what discovery advertises.
var (
	knownClientAuthMethods = []string{
		oauth.AuthMethodBasic,
		oauth.AuthMethodPost,
		oauth.AuthMethodNone,
		oauth.AuthMethodSecretJWT,
		oauth.AuthMethodPrivateKeyJWT,
		oauth.AuthMethodTLS,
		oauth.AuthMethodSelfSignedTLS,
	}
	knownGrantTypes = []string{
		oauth.GrantTypeAuthorizationCode,
		oauth.GrantTypeRefreshToken,
		oauth.GrantTypeClientCredentials,
		oauth.GrantTypePassword,
		oauth.GrantTypeDeviceCode,
		oauth.GrantTypeJWTBearer,
	}
	knownResponseTypes = []string{
		oauth.ResponseTypeCode,
		oauth.ResponseTypeToken,
		oauth.ResponseTypeIDToken,
		oauth.ResponseTypeCodeToken,
		oauth.ResponseTypeCodeIDToken,
		oauth.ResponseTypeIDTokenToken,
		oauth.ResponseTypeCodeIDTokenToken,
	}
	knownResponseModes = []string{
		oauth.ResponseModeQuery,
		oauth.ResponseModeFragment,
		oauth.ResponseModeFormPost,
		oauth.ResponseModeJWT,
	}
	knownPKCEMethods = []string{
		oauth.PKCEMethodPlain,
		oauth.PKCEMethodS256,
	}
	knownDisplays = []string{
		oauth.DisplayPage,
		oauth.DisplayPopup,
		oauth.DisplayTouch,
		oauth.DisplayWap,
	}
	knownPrompts = []string{
		oauth.PromptNone,
		oauth.PromptLogin,
		oauth.PromptConsent,
		oauth.PromptSelectAccount,
		oauth.PromptCreate,
	}
)

// Lists selects the strategies the server runs with. A nil family takes the
// protocol default; an explicitly empty (non-nil) slice disables the family.
// ACR values are free-form and default to none.
type Lists struct {
	ClientAuthMethods []string
	GrantTypes        []string
	ResponseTypes     []string
	ResponseModes     []string
	PKCEMethods       []string
	Displays          []string
	Prompts           []string
	ACRValues         []string
}

// Registry is the resolved strategy composition. It is immutable after New.
type Registry struct {
	clientAuthMethods map[string]struct{}
	grantTypes        map[string]struct{}
	responseTypes     map[string]struct{}
	responseModes     map[string]struct{}
	pkceMethods       map[string]PKCEMethod
	displays          map[string]struct{}
	prompts           map[string]struct{}
	acrValues         map[string]struct{}

	// Ordered copies for discovery output, preserving configuration order.
	orderedClientAuth    []string
	orderedGrantTypes    []string
	orderedResponseTypes []string
	orderedResponseModes []string
	orderedPKCEMethods   []string
	orderedDisplays      []string
	orderedPrompts       []string
	orderedACRValues     []string
}

// New validates the selection against the allowlists, applies the defaults
// for unset families, and builds the registry. At least one grant type or one
// response type must end up selected: a grant type enables the token
// endpoint, a response type the authorize endpoint, and a server with neither
// has no purpose.
func New(lists Lists) (*Registry, error) {
	applyDefaults(&lists)

	if len(lists.GrantTypes) == 0 && len(lists.ResponseTypes) == 0 {
		return nil, fmt.Errorf("configuration selects no grant types and no response types; nothing to serve")
	}

	r := &Registry{
		pkceMethods: make(map[string]PKCEMethod, len(lists.PKCEMethods)),
	}

	var err error
	if r.clientAuthMethods, r.orderedClientAuth, err = validateFamily("client authentication method", lists.ClientAuthMethods, knownClientAuthMethods); err != nil {
		return nil, err
	}
	if r.grantTypes, r.orderedGrantTypes, err = validateFamily("grant type", lists.GrantTypes, knownGrantTypes); err != nil {
		return nil, err
	}
	if r.responseTypes, r.orderedResponseTypes, err = validateFamily("response type", lists.ResponseTypes, knownResponseTypes); err != nil {
		return nil, err
	}
	if r.responseModes, r.orderedResponseModes, err = validateFamily("response mode", lists.ResponseModes, knownResponseModes); err != nil {
		return nil, err
	}
	if r.displays, r.orderedDisplays, err = validateFamily("display value", lists.Displays, knownDisplays); err != nil {
		return nil, err
	}
	if r.prompts, r.orderedPrompts, err = validateFamily("prompt value", lists.Prompts, knownPrompts); err != nil {
		return nil, err
	}

	pkceSet, orderedPKCE, err := validateFamily("PKCE method", lists.PKCEMethods, knownPKCEMethods)
	if err != nil {
		return nil, err
	}
	r.orderedPKCEMethods = orderedPKCE
	for name := range pkceSet {
		switch name {
		case oauth.PKCEMethodPlain:
			r.pkceMethods[name] = plainMethod{}
		case oauth.PKCEMethodS256:
			r.pkceMethods[name] = s256Method{}
		}
	}

	r.acrValues = make(map[string]struct{}, len(lists.ACRValues))
	for _, v := range lists.ACRValues {
		if _, dup := r.acrValues[v]; dup {
			continue
		}
		r.acrValues[v] = struct{}{}
		r.orderedACRValues = append(r.orderedACRValues, v)
	}

	return r, nil
}

func applyDefaults(lists *Lists) {
	if lists.ClientAuthMethods == nil {
		lists.ClientAuthMethods = []string{oauth.AuthMethodBasic}
	}
	if lists.GrantTypes == nil {
		lists.GrantTypes = []string{oauth.GrantTypeAuthorizationCode}
	}
	if lists.ResponseTypes == nil {
		lists.ResponseTypes = []string{oauth.ResponseTypeCode}
	}
	if lists.ResponseModes == nil {
		lists.ResponseModes = []string{oauth.ResponseModeQuery}
	}
	if lists.PKCEMethods == nil {
		lists.PKCEMethods = []string{oauth.PKCEMethodS256}
	}
	if lists.Displays == nil {
		lists.Displays = []string{oauth.DisplayPage}
	}
	if lists.Prompts == nil {
		lists.Prompts = knownPrompts
	}
}

func validateFamily(kind string, selected, known []string) (map[string]struct{}, []string, error) {
	knownSet := make(map[string]struct{}, len(known))
	for _, name := range known {
		knownSet[name] = struct{}{}
	}

	set := make(map[string]struct{}, len(selected))
	var ordered []string
	for _, name := range selected {
		if _, ok := knownSet[name]; !ok {
			return nil, nil, fmt.Errorf("unknown %s %q", kind, name)
		}
		if _, dup := set[name]; dup {
			continue
		}
		set[name] = struct{}{}
		ordered = append(ordered, name)
	}
	return set, ordered, nil
}

// HasClientAuthMethod reports whether the method is enabled.
func (r *Registry) HasClientAuthMethod(name string) bool {
	_, ok := r.clientAuthMethods[name]
	return ok
}

// HasGrantType reports whether the grant type is enabled.
func (r *Registry) HasGrantType(name string) bool {
	_, ok := r.grantTypes[name]
	return ok
}

// HasResponseType reports whether the response type is enabled. The input is
// canonicalized first so "token code" matches "code token".
func (r *Registry) HasResponseType(name string) bool {
	_, ok := r.responseTypes[oauth.CanonicalResponseType(name)]
	return ok
}

// HasResponseMode reports whether the response mode is enabled.
func (r *Registry) HasResponseMode(name string) bool {
	_, ok := r.responseModes[name]
	return ok
}

// PKCEMethod resolves an enabled PKCE method by protocol name.
func (r *Registry) PKCEMethod(name string) (PKCEMethod, bool) {
	m, ok := r.pkceMethods[name]
	return m, ok
}

// HasDisplay reports whether the display value is enabled.
func (r *Registry) HasDisplay(name string) bool {
	_, ok := r.displays[name]
	return ok
}

// HasPrompt reports whether the prompt value is enabled.
func (r *Registry) HasPrompt(name string) bool {
	_, ok := r.prompts[name]
	return ok
}

// HasACRValue reports whether the acr value is advertised by this server.
func (r *Registry) HasACRValue(name string) bool {
	_, ok := r.acrValues[name]
	return ok
}

// TokenEndpointEnabled reports whether any grant type is configured.
func (r *Registry) TokenEndpointEnabled() bool {
	return len(r.grantTypes) > 0
}

// AuthorizeEndpointEnabled reports whether any response type is configured.
func (r *Registry) AuthorizeEndpointEnabled() bool {
	return len(r.responseTypes) > 0
}

// Accessors for discovery metadata, in configuration order.

// ClientAuthMethods returns the enabled client authentication methods.
func (r *Registry) ClientAuthMethods() []string { return cloneList(r.orderedClientAuth) }

// GrantTypes returns the enabled grant types.
func (r *Registry) GrantTypes() []string { return cloneList(r.orderedGrantTypes) }

// ResponseTypes returns the enabled response types.
func (r *Registry) ResponseTypes() []string { return cloneList(r.orderedResponseTypes) }

// ResponseModes returns the enabled response modes.
func (r *Registry) ResponseModes() []string { return cloneList(r.orderedResponseModes) }

// PKCEMethods returns the enabled PKCE method names.
func (r *Registry) PKCEMethods() []string { return cloneList(r.orderedPKCEMethods) }

// Displays returns the enabled display values.
func (r *Registry) Displays() []string { return cloneList(r.orderedDisplays) }

// Prompts returns the enabled prompt values.
func (r *Registry) Prompts() []string { return cloneList(r.orderedPrompts) }

// ACRValues returns the advertised acr values.
func (r *Registry) ACRValues() []string { return cloneList(r.orderedACRValues) }

func cloneList(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
