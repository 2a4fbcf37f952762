// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"github.com/tidwall/gjson"
)

// ClaimSpec is the per-claim request from the OIDC `claims` parameter: either
// voluntary (zero value), essential, or constrained to specific values.
type ClaimSpec struct {
	Essential bool  `json:"essential,omitempty"`
	Value     any   `json:"value,omitempty"`
	Values    []any `json:"values,omitempty"`
}

// ClaimsRequest is the parsed `claims` authorization parameter, mapping claim
// names to their request spec for the userinfo and id_token targets.
type ClaimsRequest struct {
	Userinfo map[string]ClaimSpec `json:"userinfo,omitempty"`
	IDToken  map[string]ClaimSpec `json:"id_token,omitempty"`
}

// ParseClaimsParameter parses the raw JSON `claims` parameter. A missing
// parameter yields nil; malformed JSON or a non-object value is
// invalid_request.
func ParseClaimsParameter(raw string) (*ClaimsRequest, error) {
	if raw == "" {
		return nil, nil
	}
	if !gjson.Valid(raw) {
		return nil, InvalidRequest("The 'claims' parameter is not valid JSON.")
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return nil, InvalidRequest("The 'claims' parameter must be a JSON object.")
	}

	req := &ClaimsRequest{}
	var parseErr error
	if ui := doc.Get("userinfo"); ui.Exists() {
		req.Userinfo, parseErr = parseClaimTarget(ui)
		if parseErr != nil {
			return nil, parseErr
		}
	}
	if idt := doc.Get("id_token"); idt.Exists() {
		req.IDToken, parseErr = parseClaimTarget(idt)
		if parseErr != nil {
			return nil, parseErr
		}
	}
	return req, nil
}

// parseClaimTarget reads one of the userinfo/id_token member objects. A null
// member value means the claim is requested voluntarily.
func parseClaimTarget(target gjson.Result) (map[string]ClaimSpec, error) {
	if !target.IsObject() {
		return nil, InvalidRequest("The 'claims' parameter members must be JSON objects.")
	}
	out := make(map[string]ClaimSpec)
	var bad string
	target.ForEach(func(key, value gjson.Result) bool {
		switch value.Type {
		case gjson.Null:
			out[key.String()] = ClaimSpec{}
		case gjson.JSON:
			if !value.IsObject() {
				bad = key.String()
				return false
			}
			spec := ClaimSpec{
				Essential: value.Get("essential").Bool(),
			}
			if v := value.Get("value"); v.Exists() {
				spec.Value = v.Value()
			}
			if vs := value.Get("values"); vs.IsArray() {
				for _, item := range vs.Array() {
					spec.Values = append(spec.Values, item.Value())
				}
			}
			out[key.String()] = spec
		default:
			bad = key.String()
			return false
		}
		return true
	})
	if bad != "" {
		return nil, InvalidRequest("The requested claim %q has an invalid specification.", bad)
	}
	return out, nil
}

// Names returns the claim names requested for a target map.
func Names(target map[string]ClaimSpec) []string {
	if len(target) == 0 {
		return nil
	}
	out := make([]string, 0, len(target))
	for name := range target {
		out = append(out, name)
	}
	return out
}

// ClaimsForScopes expands granted scopes into the standard claim names they
// imply, per OIDC Core section 5.4.
func ClaimsForScopes(scopes Scopes) []string {
	var out []string
	for _, s := range scopes {
		switch s {
		case ScopeProfile:
			out = append(out,
				"name", "family_name", "given_name", "middle_name", "nickname",
				"preferred_username", "profile", "picture", "website", "gender",
				"birthdate", "zoneinfo", "locale", "updated_at")
		case ScopeEmail:
			out = append(out, "email", "email_verified")
		case ScopeAddress:
			out = append(out, "address")
		case ScopePhone:
			out = append(out, "phone_number", "phone_number_verified")
		}
	}
	return out
}
