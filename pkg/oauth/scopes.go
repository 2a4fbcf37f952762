// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"strings"
)

// Scopes is an ordered, duplicate-free scope list. Order is the request
// order; responses echo it back canonically (space-separated).
type Scopes []string

// ParseScopes splits a space-separated scope string into an ordered distinct
// set. Empty segments collapse; an empty input yields a nil set.
func ParseScopes(raw string) Scopes {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := make(Scopes, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// String joins the scopes with single spaces, preserving order.
func (s Scopes) String() string {
	return strings.Join(s, " ")
}

// Contains reports whether scope is in the set.
func (s Scopes) Contains(scope string) bool {
	for _, v := range s {
		if v == scope {
			return true
		}
	}
	return false
}

// HasOpenID reports whether the set requests OIDC processing.
func (s Scopes) HasOpenID() bool {
	return s.Contains(ScopeOpenID)
}

// SubsetOf reports whether every scope in s is in allowed.
func (s Scopes) SubsetOf(allowed Scopes) bool {
	for _, v := range s {
		if !allowed.Contains(v) {
			return false
		}
	}
	return true
}

// Intersect returns the scopes of s that are also in allowed, preserving the
// order of s.
func (s Scopes) Intersect(allowed Scopes) Scopes {
	var out Scopes
	for _, v := range s {
		if allowed.Contains(v) {
			out = append(out, v)
		}
	}
	return out
}

// Clone returns an independent copy.
func (s Scopes) Clone() Scopes {
	if s == nil {
		return nil
	}
	out := make(Scopes, len(s))
	copy(out, s)
	return out
}

// AllowScopes computes the scopes granted to a request. Under the strict
// policy (permissive=false) any requested scope outside the client allowlist
// fails with invalid_scope; under the permissive policy the request silently
// narrows to the intersection.
func AllowScopes(requested, clientScopes Scopes, permissive bool) (Scopes, error) {
	if permissive {
		return requested.Intersect(clientScopes), nil
	}
	for _, v := range requested {
		if !clientScopes.Contains(v) {
			return nil, InvalidScope("The requested scope %q is not allowed for this client.", v)
		}
	}
	return requested.Clone(), nil
}
