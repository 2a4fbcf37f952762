// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package entities

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/authserver/pkg/oauth"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestClient_Predicates(t *testing.T) {
	t.Parallel()

	c := &Client{
		ID:                   "web-app",
		Secret:               "s3cret",
		AuthenticationMethod: oauth.AuthMethodBasic,
		GrantTypes:           []string{"authorization_code", "refresh_token"},
		ResponseTypes:        []string{"code"},
		Scopes:               []string{"openid", "profile"},
	}

	assert.False(t, c.IsPublic())
	assert.False(t, c.RequiresPKCE())
	assert.True(t, c.HasGrantType("refresh_token"))
	assert.False(t, c.HasGrantType("client_credentials"))
	assert.True(t, c.HasResponseType("code"))
	assert.True(t, c.HasScope("openid"))
	assert.False(t, c.HasScope("admin"))

	public := &Client{ID: "spa", AuthenticationMethod: oauth.AuthMethodNone}
	assert.True(t, public.IsPublic())
	assert.True(t, public.RequiresPKCE())
}

func TestClient_SecretExpired(t *testing.T) {
	t.Parallel()

	c := &Client{Secret: "s"}
	assert.False(t, c.SecretExpired(now), "zero expiry means never")

	c.SecretExpiresAt = now.Add(-time.Minute)
	assert.True(t, c.SecretExpired(now))

	c.SecretExpiresAt = now.Add(time.Minute)
	assert.False(t, c.SecretExpired(now))
}

func TestClient_HasACRValue(t *testing.T) {
	t.Parallel()

	open := &Client{}
	assert.True(t, open.HasACRValue("anything"))

	strict := &Client{ACRValues: []string{"urn:mfa"}}
	assert.True(t, strict.HasACRValue("urn:mfa"))
	assert.False(t, strict.HasACRValue("urn:pwd"))
}

func TestSession_LoginStack(t *testing.T) {
	t.Parallel()

	s := &Session{ID: "sess", ExpiresAt: now.Add(time.Hour)}
	assert.False(t, s.Expired(now))
	assert.False(t, s.HasLogin("l1"))

	s.PushLogin("l1")
	s.PushLogin("l2")
	assert.Equal(t, []string{"l1", "l2"}, s.LoginIDs)
	assert.Equal(t, "l2", s.ActiveLoginID)

	// Re-activating an existing login must not duplicate it on the stack.
	s.PushLogin("l1")
	assert.Equal(t, []string{"l1", "l2"}, s.LoginIDs)
	assert.Equal(t, "l1", s.ActiveLoginID)

	s.DeactivateLogin()
	assert.Empty(t, s.ActiveLoginID)
	assert.Equal(t, []string{"l1", "l2"}, s.LoginIDs, "history survives deactivation")
}

func TestLogin_OlderThan(t *testing.T) {
	t.Parallel()

	l := &Login{CreatedAt: now.Add(-10 * time.Minute)}
	assert.True(t, l.OlderThan(now, 60))
	assert.False(t, l.OlderThan(now, 3600))
}

func TestConsent_Covers(t *testing.T) {
	t.Parallel()

	c := &Consent{
		ClientID:  "web-app",
		UserID:    "u1",
		Scopes:    []string{"openid", "profile", "email"},
		ExpiresAt: now.Add(time.Hour),
	}

	assert.True(t, c.Covers("web-app", "u1", []string{"openid", "email"}, now))
	assert.False(t, c.Covers("web-app", "u1", []string{"openid", "admin"}, now))
	assert.False(t, c.Covers("other", "u1", []string{"openid"}, now))
	assert.False(t, c.Covers("web-app", "u2", []string{"openid"}, now))
	assert.False(t, c.Covers("web-app", "u1", []string{"openid"}, now.Add(2*time.Hour)))
}

func TestGrant_Interactions(t *testing.T) {
	t.Parallel()

	g := &Grant{ID: "g1", ExpiresAt: now.Add(5 * time.Minute)}
	assert.False(t, g.Expired(now))
	assert.True(t, g.Expired(now.Add(6*time.Minute)))

	g.RecordInteraction(InteractionLogin)
	g.RecordInteraction(InteractionConsent)
	g.RecordInteraction(InteractionLogin)
	assert.Equal(t, []string{InteractionLogin, InteractionConsent}, g.Interactions)
	assert.True(t, g.HasInteraction(InteractionLogin))
	assert.False(t, g.HasInteraction(InteractionSelectAccount))
}

func TestGrant_CloneIsDeep(t *testing.T) {
	t.Parallel()

	g := &Grant{
		ID:           "g1",
		Parameters:   url.Values{"scope": {"openid"}},
		Interactions: []string{InteractionLogin},
	}
	cp := g.Clone()
	cp.Parameters.Set("scope", "changed")
	cp.Interactions[0] = "changed"

	assert.Equal(t, "openid", g.Parameters.Get("scope"))
	assert.Equal(t, InteractionLogin, g.Interactions[0])
}

func TestAuthorizationCode_Active(t *testing.T) {
	t.Parallel()

	code := &AuthorizationCode{
		ValidAfter: now,
		ExpiresAt:  now.Add(10 * time.Minute),
	}

	assert.True(t, code.Active(now))
	assert.True(t, code.Active(now.Add(9*time.Minute)))
	assert.False(t, code.Active(now.Add(10*time.Minute)), "expiry is exclusive")
	assert.False(t, code.Active(now.Add(-time.Second)), "not yet valid")

	code.Revoked = true
	assert.False(t, code.Active(now))
}

func TestAccessToken_Active(t *testing.T) {
	t.Parallel()

	tok := &AccessToken{
		ValidAfter: now,
		ExpiresAt:  now.Add(time.Hour),
	}
	assert.True(t, tok.Active(now))
	assert.False(t, tok.Active(now.Add(2*time.Hour)))

	tok.Revoked = true
	assert.False(t, tok.Active(now))
}

func TestRefreshToken_Active(t *testing.T) {
	t.Parallel()

	tok := &RefreshToken{
		ValidAfter: now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
	assert.True(t, tok.Active(now))

	tok.Rotated = true
	assert.False(t, tok.Active(now), "rotated tokens are no longer exchangeable")
}

func TestDeviceCode_Polling(t *testing.T) {
	t.Parallel()

	d := &DeviceCode{
		Interval:  5,
		ExpiresAt: now.Add(10 * time.Minute),
	}
	assert.True(t, d.Pending())
	assert.False(t, d.TooFast(now), "first poll is never too fast")

	d.LastPolledAt = now
	assert.True(t, d.TooFast(now.Add(2*time.Second)))
	assert.False(t, d.TooFast(now.Add(6*time.Second)))

	d.AuthorizedBy = "u1"
	assert.False(t, d.Pending())
}
