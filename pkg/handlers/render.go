// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/authserver/pkg/flow"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/oauth"
)

// jarmLifetime bounds the validity of a signed authorization response.
const jarmLifetime = 10 * time.Minute

// renderResponse delivers authorization response parameters through the
// request's response mode.
func (h *Handlers) renderResponse(w http.ResponseWriter, r *http.Request, res *flow.Result) {
	switch res.ResponseMode {
	case oauth.ResponseModeFragment:
		http.Redirect(w, r, res.RedirectURI+"#"+res.Parameters.Encode(), http.StatusFound)
	case oauth.ResponseModeFormPost:
		h.renderFormPost(w, res.RedirectURI, res.Parameters)
	case oauth.ResponseModeJWT:
		h.renderJWT(w, r, res)
	default:
		http.Redirect(w, r, mergeQuery(res.RedirectURI, res.Parameters), http.StatusFound)
	}
}

// mergeQuery appends parameters to a redirect URI, preserving any query the
// client registered on it.
func mergeQuery(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// The URI was validated at registration; fall back to naive joining.
		return redirectURI + "?" + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><title>Submit This Form</title></head>
<body onload="javascript:document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{range $name, $values := .Params}}{{range $values}}<input type="hidden" name="{{$name}}" value="{{.}}"/>
{{end}}{{end}}</form>
</body>
</html>
`))

// renderFormPost writes the OAuth 2.0 Form Post Response Mode document: an
// auto-submitting form POSTing the parameters to the redirect URI.
func (h *Handlers) renderFormPost(w http.ResponseWriter, redirectURI string, params url.Values) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	data := struct {
		Action string
		Params url.Values
	}{Action: redirectURI, Params: params}
	if err := formPostTemplate.Execute(w, data); err != nil {
		logger.Errorf("failed to render form_post response: %v", err)
	}
}

// renderJWT delivers the parameters as a signed response document (JARM): the
// parameters become claims of a JWT addressed to the client, carried in a
// single `response` parameter. Token-bearing responses use the fragment;
// everything else the query.
func (h *Handlers) renderJWT(w http.ResponseWriter, r *http.Request, res *flow.Result) {
	signed, err := h.signResponseJWT(r, res)
	if err != nil {
		logger.Errorw("failed to sign authorization response", "error", err)
		h.renderErrorPage(w, oauth.ServerError("The authorization response could not be signed."))
		return
	}
	params := url.Values{"response": {signed}}
	if res.Parameters.Get("access_token") != "" || res.Parameters.Get("id_token") != "" {
		http.Redirect(w, r, res.RedirectURI+"#"+params.Encode(), http.StatusFound)
		return
	}
	http.Redirect(w, r, mergeQuery(res.RedirectURI, params), http.StatusFound)
}

func (h *Handlers) signResponseJWT(r *http.Request, res *flow.Result) (string, error) {
	key, err := h.keys.SigningKey(r.Context(), "")
	if err != nil {
		return "", fmt.Errorf("no signing key for response document: %w", err)
	}

	now := time.Now()
	claims := map[string]any{
		"iss": h.cfg.Issuer,
		"aud": res.ClientID,
		"exp": now.Add(jarmLifetime).Unix(),
	}
	for k, vs := range res.Parameters {
		if len(vs) > 0 {
			claims[k] = vs[0]
		}
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to serialize response claims: %w", err)
	}

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(key.Algorithm),
		Key:       jose.JSONWebKey{Key: key.Key, KeyID: key.KeyID},
	}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("failed to create response signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign response: %w", err)
	}
	return jws.CompactSerialize()
}
