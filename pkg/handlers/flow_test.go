// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authserver/pkg/oauth"
)

// browser drives requests through the router while carrying cookies, the way
// a user agent would across the authorization round-trips.
type browser struct {
	env     *testEnv
	cookies map[string]string
}

func newBrowser(env *testEnv) *browser {
	return &browser{env: env, cookies: make(map[string]string)}
}

func (b *browser) do(req *http.Request) *httptest.ResponseRecorder {
	for name, value := range b.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	rr := b.env.do(req)
	for _, c := range rr.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c.Value
	}
	return rr
}

func (b *browser) get(t *testing.T, rawURL string) *httptest.ResponseRecorder {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return b.do(httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
}

func (b *browser) postJSON(t *testing.T, path string, doc any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	require.NoError(t, json.NewEncoder(&body).Encode(doc))
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", "application/json")
	return b.do(req)
}

// challengeFrom pulls an interaction challenge out of a UI redirect.
func challengeFrom(t *testing.T, rr *httptest.ResponseRecorder, param string) string {
	t.Helper()
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	ch := loc.Query().Get(param)
	require.NotEmpty(t, ch, "expected %q in %s", param, rr.Header().Get("Location"))
	return ch
}

func TestAuthorizationCodeFlow_EndToEnd(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ua := newBrowser(env)

	// The client sends the user to the authorization endpoint.
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {"web"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid email"},
		"state":                 {"af0ifjsldkj"},
		"nonce":                 {"n-0S6_WzA2Mj"},
		"code_challenge":        {testPKCEChal},
		"code_challenge_method": {oauth.PKCEMethodS256},
	}
	res := ua.do(httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, res.Code)
	loginChallenge := challengeFrom(t, res, "login_challenge")

	// The login UI reads the request context.
	ctxRes := ua.do(httptest.NewRequest(http.MethodGet,
		PathInteraction+"/login?login_challenge="+loginChallenge, nil))
	require.Equal(t, http.StatusOK, ctxRes.Code, ctxRes.Body.String())

	// The user authenticates; the UI reports the decision.
	decision := ua.postJSON(t, PathInteraction+"/login?login_challenge="+loginChallenge, map[string]any{
		"accept":   true,
		"username": "peter",
		"password": "secret",
	})
	require.Equal(t, http.StatusOK, decision.Code, decision.Body.String())
	resume := decodeJSON[redirectResponse](t, decision)
	require.True(t, strings.HasPrefix(resume.RedirectTo, testIssuer+PathAuthorize))

	// Resuming lands on consent.
	res = ua.get(t, resume.RedirectTo)
	require.Equal(t, http.StatusFound, res.Code)
	consentChallenge := challengeFrom(t, res, "consent_challenge")

	decision = ua.postJSON(t, PathInteraction+"/consent?consent_challenge="+consentChallenge, map[string]any{
		"accept":         true,
		"granted_scopes": []string{"openid", "email"},
	})
	require.Equal(t, http.StatusOK, decision.Code, decision.Body.String())
	resume = decodeJSON[redirectResponse](t, decision)

	// The final resumption redirects back to the client with a code.
	res = ua.get(t, resume.RedirectTo)
	require.Equal(t, http.StatusFound, res.Code)
	cb, err := url.Parse(res.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "rp.example.com", cb.Host)
	code := cb.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "af0ifjsldkj", cb.Query().Get("state"))
	assert.Equal(t, testIssuer, cb.Query().Get("iss"))

	// The client redeems the code.
	tok := env.postForm(PathToken, codeTokenForm(code, testPKCEVerifier), "web", "web-secret")
	require.Equal(t, http.StatusOK, tok.Code, tok.Body.String())
	resp := decodeJSON[tokenResponse](t, tok)
	require.NotEmpty(t, resp.IDToken)

	// The nonce survived into the ID token.
	claims := decodeIDTokenClaims(t, resp.IDToken)
	assert.Equal(t, "n-0S6_WzA2Mj", claims["nonce"])
	assert.Equal(t, testIssuer, claims["iss"])
	assert.Equal(t, "web", claims["aud"])
	assert.Equal(t, env.user.ID, claims["sub"])

	// With a session and stored consent, prompt=none now succeeds.
	silent := ua.do(httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+withPrompt(q, "none").Encode(), nil))
	require.Equal(t, http.StatusFound, silent.Code)
	cb2, err := url.Parse(silent.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "rp.example.com", cb2.Host)
	assert.Empty(t, cb2.Query().Get("error"))
	assert.NotEmpty(t, cb2.Query().Get("code"))
}

func withPrompt(q url.Values, prompt string) url.Values {
	out := url.Values{}
	for k, vs := range q {
		out[k] = vs
	}
	out.Set("prompt", prompt)
	return out
}

// decodeIDTokenClaims reads the payload without verifying the signature; the
// signature path is covered by the token service tests.
func decodeIDTokenClaims(t *testing.T, idToken string) map[string]any {
	t.Helper()
	parts := strings.Split(idToken, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	return claims
}
