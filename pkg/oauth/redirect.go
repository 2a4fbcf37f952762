// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"net/url"
	"strings"
)

// MatchRedirectURI resolves the redirect URI for an authorization request.
// Matching is exact byte equality against the registered set; no prefix,
// port, or path normalization is applied. An absent requested URI is only
// acceptable when the client registered exactly one.
func MatchRedirectURI(registered []string, requested string) (string, error) {
	if requested == "" {
		if len(registered) == 1 {
			return registered[0], nil
		}
		return "", InvalidRequest("The request is missing the required parameter 'redirect_uri'.")
	}
	for _, uri := range registered {
		if uri == requested {
			return requested, nil
		}
	}
	return "", InvalidRequest("The requested redirect URI is not registered for this client.")
}

// ValidateRedirectURI checks a URI at registration time: it must be absolute,
// must not carry a fragment, and for web clients must not point at plain
// http except for loopback hosts.
func ValidateRedirectURI(raw string, applicationType string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return InvalidRequest("redirect URI %q is not a valid URI", raw)
	}
	if !u.IsAbs() {
		return InvalidRequest("redirect URI %q must be absolute", raw)
	}
	if u.Fragment != "" {
		return InvalidRequest("redirect URI %q must not contain a fragment", raw)
	}
	switch applicationType {
	case ApplicationTypeNative:
		// Native apps may use custom schemes or loopback http.
		if u.Scheme == "https" {
			return InvalidRequest("native clients must use custom schemes or loopback redirect URIs")
		}
		if u.Scheme == "http" && !isLoopback(u.Hostname()) {
			return InvalidRequest("http redirect URIs for native clients must target the loopback interface")
		}
	default:
		if u.Scheme == "http" && !isLoopback(u.Hostname()) {
			return InvalidRequest("redirect URI %q must use https", raw)
		}
	}
	return nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasSuffix(host, ".localhost")
}
