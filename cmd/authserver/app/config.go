// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/keys"
	"github.com/stacklok/authserver/pkg/server"
	"github.com/stacklok/authserver/pkg/storage"
	"github.com/stacklok/authserver/pkg/storage/redisstore"
	"github.com/stacklok/authserver/pkg/storage/sqlitestore"
	"github.com/stacklok/authserver/pkg/strategy"
	"github.com/stacklok/authserver/pkg/users"
)

// duration wraps time.Duration for YAML decoding of strings like "30m".
type duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

func (d duration) std() time.Duration { return time.Duration(d) }

// fileConfig is the YAML configuration of the authserver binary.
type fileConfig struct {
	Issuer  string   `yaml:"issuer"`
	Address string   `yaml:"address"`
	Scopes  []string `yaml:"scopes"`

	Interaction struct {
		Login         string `yaml:"login"`
		Consent       string `yaml:"consent"`
		SelectAccount string `yaml:"selectAccount"`
		Create        string `yaml:"create"`
		Error         string `yaml:"error"`
		Logout        string `yaml:"logout"`
	} `yaml:"interaction"`

	Strategies struct {
		ClientAuthMethods []string `yaml:"clientAuthMethods"`
		GrantTypes        []string `yaml:"grantTypes"`
		ResponseTypes     []string `yaml:"responseTypes"`
		ResponseModes     []string `yaml:"responseModes"`
		PKCEMethods       []string `yaml:"pkceMethods"`
		Displays          []string `yaml:"displays"`
		Prompts           []string `yaml:"prompts"`
		ACRValues         []string `yaml:"acrValues"`
	} `yaml:"strategies"`

	// SecretKeyFile holds at least 32 random bytes for pairwise subject
	// derivation. Consistent across replicas.
	SecretKeyFile string `yaml:"secretKeyFile"`

	SigningKey struct {
		// Dir and File select PEM signing keys; FallbackFiles stay in the
		// JWKS so tokens signed before a rotation verify.
		Dir           string   `yaml:"dir"`
		File          string   `yaml:"file"`
		FallbackFiles []string `yaml:"fallbackFiles"`
		// JWKSFile holds a private JWK set, used instead of PEM files.
		JWKSFile string `yaml:"jwksFile"`
		// Algorithm selects ephemeral key generation when no files are
		// configured. Development only.
		Algorithm string `yaml:"algorithm"`
	} `yaml:"signingKey"`

	Storage struct {
		// Backend is one of memory, redis, sqlite. Defaults to memory.
		Backend string `yaml:"backend"`
		Redis   struct {
			Addr      string `yaml:"addr"`
			Username  string `yaml:"username"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			KeyPrefix string `yaml:"keyPrefix"`
			Sentinel  struct {
				MasterName string   `yaml:"masterName"`
				Addrs      []string `yaml:"addrs"`
			} `yaml:"sentinel"`
		} `yaml:"redis"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
	} `yaml:"storage"`

	Features struct {
		RotateRefreshTokens       bool  `yaml:"rotateRefreshTokens"`
		RefreshTokenIntrospection bool  `yaml:"refreshTokenIntrospection"`
		DeviceAuthorizationGrant  bool  `yaml:"deviceAuthorizationGrant"`
		RegistrationEndpoint      bool  `yaml:"registrationEndpoint"`
		PermissiveScopes          bool  `yaml:"permissiveScopes"`
		RevocationEndpoint        *bool `yaml:"revocationEndpoint"`
		IntrospectionEndpoint     *bool `yaml:"introspectionEndpoint"`
		AccessTokenRevocation     *bool `yaml:"accessTokenRevocation"`
		SecureCookies             *bool `yaml:"secureCookies"`
	} `yaml:"features"`

	Lifespans struct {
		AccessToken       duration `yaml:"accessToken"`
		RefreshToken      duration `yaml:"refreshToken"`
		AuthorizationCode duration `yaml:"authorizationCode"`
		IDToken           duration `yaml:"idToken"`
		DeviceCode        duration `yaml:"deviceCode"`
		Session           duration `yaml:"session"`
		Login             duration `yaml:"login"`
		Grant             duration `yaml:"grant"`
		Consent           duration `yaml:"consent"`
	} `yaml:"lifespans"`

	StaticClients []staticClient `yaml:"staticClients"`

	// Users seeds the in-memory demo user service. Production deployments
	// plug a real user service instead.
	Users []demoUser `yaml:"users"`
}

type staticClient struct {
	ID                       string   `yaml:"id"`
	Secret                   string   `yaml:"secret"`
	RedirectURIs             []string `yaml:"redirectURIs"`
	PostLogoutRedirectURIs   []string `yaml:"postLogoutRedirectURIs"`
	AuthenticationMethod     string   `yaml:"authenticationMethod"`
	GrantTypes               []string `yaml:"grantTypes"`
	ResponseTypes            []string `yaml:"responseTypes"`
	Scopes                   []string `yaml:"scopes"`
	SubjectType              string   `yaml:"subjectType"`
	SectorIdentifierURI      string   `yaml:"sectorIdentifierURI"`
	ApplicationType          string   `yaml:"applicationType"`
	RequirePKCE              bool     `yaml:"requirePKCE"`
	SkipConsent              bool     `yaml:"skipConsent"`
	IDTokenSignedResponseAlg string   `yaml:"idTokenSignedResponseAlg"`
	JWKSURI                  string   `yaml:"jwksURI"`
}

type demoUser struct {
	Username string         `yaml:"username"`
	Password string         `yaml:"password"`
	Claims   map[string]any `yaml:"claims"`
}

// loadFileConfig reads and decodes the YAML configuration file.
func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// serverConfig maps the file configuration onto server.Config.
func (c *fileConfig) serverConfig(secretKey []byte, provider keys.Provider) server.Config {
	return server.Config{
		Issuer: c.Issuer,
		Scopes: c.Scopes,
		Strategies: strategy.Lists{
			ClientAuthMethods: c.Strategies.ClientAuthMethods,
			GrantTypes:        c.Strategies.GrantTypes,
			ResponseTypes:     c.Strategies.ResponseTypes,
			ResponseModes:     c.Strategies.ResponseModes,
			PKCEMethods:       c.Strategies.PKCEMethods,
			Displays:          c.Strategies.Displays,
			Prompts:           c.Strategies.Prompts,
			ACRValues:         c.Strategies.ACRValues,
		},
		Interaction: server.InteractionURLs{
			Login:         c.Interaction.Login,
			Consent:       c.Interaction.Consent,
			SelectAccount: c.Interaction.SelectAccount,
			Create:        c.Interaction.Create,
			Error:         c.Interaction.Error,
			Logout:        c.Interaction.Logout,
		},
		Keys:      provider,
		SecretKey: secretKey,

		AccessTokenLifespan:  c.Lifespans.AccessToken.std(),
		RefreshTokenLifespan: c.Lifespans.RefreshToken.std(),
		AuthCodeLifespan:     c.Lifespans.AuthorizationCode.std(),
		IDTokenLifespan:      c.Lifespans.IDToken.std(),
		DeviceCodeLifespan:   c.Lifespans.DeviceCode.std(),
		SessionLifespan:      c.Lifespans.Session.std(),
		LoginLifespan:        c.Lifespans.Login.std(),
		GrantLifespan:        c.Lifespans.Grant.std(),
		ConsentLifespan:      c.Lifespans.Consent.std(),

		RotateRefreshTokens:             c.Features.RotateRefreshTokens,
		AccessTokenRevocation:           c.Features.AccessTokenRevocation,
		EnableRevocationEndpoint:        c.Features.RevocationEndpoint,
		EnableIntrospectionEndpoint:     c.Features.IntrospectionEndpoint,
		EnableRefreshTokenIntrospection: c.Features.RefreshTokenIntrospection,
		EnableDeviceAuthorizationGrant:  c.Features.DeviceAuthorizationGrant,
		EnableRegistrationEndpoint:      c.Features.RegistrationEndpoint,
		PermissiveScopes:                c.Features.PermissiveScopes,
		SecureCookies:                   c.Features.SecureCookies,
	}
}

// buildKeyProvider selects the signing key source: PEM files, a private JWK
// set, or ephemeral generation.
func (c *fileConfig) buildKeyProvider() (keys.Provider, error) {
	sk := c.SigningKey
	switch {
	case sk.File != "":
		return keys.NewFileProvider(sk.Dir, sk.File, sk.FallbackFiles...)
	case sk.JWKSFile != "":
		data, err := os.ReadFile(sk.JWKSFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read jwks file: %w", err)
		}
		var set jose.JSONWebKeySet
		if err := json.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("failed to parse jwks file: %w", err)
		}
		return keys.NewStaticProvider(&set)
	default:
		return keys.NewGeneratingProvider(sk.Algorithm), nil
	}
}

// buildStore opens the configured storage backend.
func (c *fileConfig) buildStore(ctx context.Context) (storage.Store, error) {
	switch c.Storage.Backend {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "redis":
		rc := c.Storage.Redis
		cfg := redisstore.Config{
			Addr:      rc.Addr,
			Username:  rc.Username,
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: rc.KeyPrefix,
		}
		if rc.Sentinel.MasterName != "" {
			cfg.Sentinel = &redisstore.SentinelConfig{
				MasterName:    rc.Sentinel.MasterName,
				SentinelAddrs: rc.Sentinel.Addrs,
			}
		}
		return redisstore.New(ctx, cfg)
	case "sqlite":
		return sqlitestore.New(ctx, sqlitestore.Config{Path: c.Storage.SQLite.Path})
	default:
		return nil, fmt.Errorf("unknown storage backend %q (expected memory, redis, or sqlite)", c.Storage.Backend)
	}
}

// buildUserService seeds the in-memory user service with the configured
// demo users.
func (c *fileConfig) buildUserService(ctx context.Context) (*users.MemoryService, error) {
	svc := users.NewMemoryService()
	for _, u := range c.Users {
		if u.Username == "" || u.Password == "" {
			return nil, fmt.Errorf("every configured user needs a username and a password")
		}
		if _, err := svc.CreateUser(ctx, u.Username, u.Password, u.Claims); err != nil {
			return nil, fmt.Errorf("failed to create user %q: %w", u.Username, err)
		}
	}
	return svc, nil
}

// seedClients stores the statically configured clients.
func (c *fileConfig) seedClients(ctx context.Context, store storage.Store) error {
	now := time.Now()
	for _, sc := range c.StaticClients {
		if sc.ID == "" {
			return fmt.Errorf("every static client needs an id")
		}
		client := &entities.Client{
			ID:                       sc.ID,
			Secret:                   sc.Secret,
			RedirectURIs:             sc.RedirectURIs,
			PostLogoutRedirectURIs:   sc.PostLogoutRedirectURIs,
			AuthenticationMethod:     sc.AuthenticationMethod,
			GrantTypes:               sc.GrantTypes,
			ResponseTypes:            sc.ResponseTypes,
			Scopes:                   sc.Scopes,
			SubjectType:              sc.SubjectType,
			SectorIdentifierURI:      sc.SectorIdentifierURI,
			ApplicationType:          sc.ApplicationType,
			RequirePKCE:              sc.RequirePKCE,
			SkipConsent:              sc.SkipConsent,
			IDTokenSignedResponseAlg: sc.IDTokenSignedResponseAlg,
			JWKSURI:                  sc.JWKSURI,
			CreatedAt:                now,
			UpdatedAt:                now,
		}
		if err := store.PutClient(ctx, client); err != nil {
			return fmt.Errorf("failed to store client %q: %w", sc.ID, err)
		}
	}
	return nil
}

// loadSecretKey reads the pairwise secret key file.
func (c *fileConfig) loadSecretKey() ([]byte, error) {
	if c.SecretKeyFile == "" {
		return nil, fmt.Errorf("secretKeyFile is required")
	}
	data, err := os.ReadFile(c.SecretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret key file: %w", err)
	}
	return data, nil
}
