// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"sort"
	"strconv"
	"strings"
)

// knownPrompts is the closed set of prompt values the protocol defines.
var knownPrompts = map[string]struct{}{
	PromptNone:          {},
	PromptLogin:         {},
	PromptConsent:       {},
	PromptSelectAccount: {},
	PromptCreate:        {},
}

// ParsePrompt splits the space-delimited prompt parameter and enforces the
// conflict rule: "none" must not be combined with any other value. Unknown
// values are rejected rather than ignored.
func ParsePrompt(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	values := strings.Fields(raw)
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := knownPrompts[v]; !ok {
			return nil, InvalidRequest("The prompt value %q is not supported.", v)
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) > 1 {
		for _, v := range out {
			if v == PromptNone {
				return nil, InvalidRequest("The prompt value 'none' must not be combined with other values.")
			}
		}
	}
	return out, nil
}

// CanonicalResponseType normalizes a space-delimited response_type to its
// canonical spelling: components are treated as an unordered set, then
// rendered in the order code, id_token, token.
func CanonicalResponseType(raw string) string {
	parts := strings.Fields(raw)
	if len(parts) <= 1 {
		return strings.TrimSpace(raw)
	}
	sort.Slice(parts, func(i, j int) bool {
		return responseTypeRank(parts[i]) < responseTypeRank(parts[j])
	})
	// Drop duplicates after sorting.
	out := parts[:1]
	for _, p := range parts[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

func responseTypeRank(t string) int {
	switch t {
	case ResponseTypeCode:
		return 0
	case ResponseTypeIDToken:
		return 1
	case ResponseTypeToken:
		return 2
	default:
		return 3
	}
}

// ResponseTypeHasCode reports whether the canonical response type includes an
// authorization code component.
func ResponseTypeHasCode(responseType string) bool {
	return responseTypeContains(responseType, ResponseTypeCode)
}

// ResponseTypeHasToken reports whether the response type issues an access
// token from the authorization endpoint.
func ResponseTypeHasToken(responseType string) bool {
	return responseTypeContains(responseType, ResponseTypeToken)
}

// ResponseTypeHasIDToken reports whether the response type issues an ID token
// from the authorization endpoint.
func ResponseTypeHasIDToken(responseType string) bool {
	return responseTypeContains(responseType, ResponseTypeIDToken)
}

// ResponseTypeIsImplicitOrHybrid reports whether any part of the response is
// delivered directly from the authorization endpoint.
func ResponseTypeIsImplicitOrHybrid(responseType string) bool {
	return ResponseTypeHasToken(responseType) || ResponseTypeHasIDToken(responseType)
}

func responseTypeContains(responseType, component string) bool {
	for _, p := range strings.Fields(responseType) {
		if p == component {
			return true
		}
	}
	return false
}

// DefaultResponseMode returns the response mode used when the request does
// not name one: query for pure code responses, fragment whenever the
// authorization endpoint delivers tokens directly.
func DefaultResponseMode(responseType string) string {
	if ResponseTypeIsImplicitOrHybrid(responseType) {
		return ResponseModeFragment
	}
	return ResponseModeQuery
}

// ParseMaxAge parses the max_age parameter into seconds. Negative values and
// non-integers are invalid_request; -1 signals the parameter was absent.
func ParseMaxAge(raw string) (int64, error) {
	if raw == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return -1, InvalidRequest("The 'max_age' parameter must be a non-negative integer.")
	}
	return n, nil
}
