// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server composes the authorization server: it wires the strategy
// registry, client authentication, token services, the flow engine, and the
// HTTP handlers into one runnable unit. The container holds singletons only;
// per-request state lives in the stores.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/stacklok/authserver/pkg/clientauth"
	"github.com/stacklok/authserver/pkg/flow"
	"github.com/stacklok/authserver/pkg/handlers"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/metrics"
	"github.com/stacklok/authserver/pkg/storage"
	"github.com/stacklok/authserver/pkg/strategy"
	"github.com/stacklok/authserver/pkg/token"
	"github.com/stacklok/authserver/pkg/users"
)

// Server is a fully composed authorization server. Construction validates
// the configuration; afterwards the instance is immutable and safe for
// concurrent use.
type Server struct {
	cfg      Config
	store    storage.Store
	handlers *handlers.Handlers
	router   http.Handler
	metrics  *metrics.Metrics

	purgeStop chan struct{}
	purgeDone chan struct{}
	closeOnce sync.Once
}

// New validates cfg and wires the server. The store and user service are
// caller-owned; Close stops the background sweeper but leaves both open.
func New(ctx context.Context, cfg Config, store storage.Store, userSvc users.Service) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("a store is required")
	}
	if userSvc == nil {
		return nil, fmt.Errorf("a user service is required")
	}

	registry, err := strategy.New(cfg.Strategies)
	if err != nil {
		return nil, fmt.Errorf("invalid strategy configuration: %w", err)
	}

	m := metrics.New()

	idTokens := token.NewIDTokenService(
		cfg.Issuer, cfg.Keys, cfg.SecretKey,
		cfg.MaxLocalSubjectLength, cfg.IDTokenSignatureAlgorithms, cfg.IDTokenLifespan,
	)
	access := token.NewAccessTokenService(store, cfg.AccessTokenLifespan)
	refresh := token.NewRefreshTokenService(store, store,
		cfg.RefreshTokenLifespan, cfg.RotateRefreshTokens, *cfg.AccessTokenRevocation)
	codes := token.NewCodeService(store, cfg.AuthCodeLifespan)
	devices := token.NewDeviceCodeService(store,
		cfg.DeviceCodeLifespan, cfg.DevicePollInterval, cfg.DeviceVerificationURI)

	engine, err := flow.NewEngine(flow.Config{
		Issuer:           cfg.Issuer,
		AuthorizePath:    handlers.PathAuthorize,
		LoginURL:         cfg.Interaction.Login,
		ConsentURL:       cfg.Interaction.Consent,
		SelectAccountURL: cfg.Interaction.SelectAccount,
		CreateURL:        cfg.Interaction.Create,
		ErrorURL:         cfg.Interaction.Error,
		LogoutURL:        cfg.Interaction.Logout,
		SessionTTL:       cfg.SessionLifespan,
		LoginTTL:         cfg.LoginLifespan,
		GrantTTL:         cfg.GrantLifespan,
		ConsentTTL:       cfg.ConsentLifespan,
		PermissiveScopes: cfg.PermissiveScopes,
	}, store, registry, codes, access, idTokens, userSvc)
	if err != nil {
		return nil, err
	}

	resolver, err := clientauth.NewKeyResolver(ctx, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("failed to build client key resolver: %w", err)
	}
	verifier := clientauth.NewAssertionVerifier(store, store, resolver, cfg.Issuer+handlers.PathToken)
	dispatcher := clientauth.NewDispatcher(
		clientauth.NewBasicMethod(store),
		clientauth.NewPostMethod(store),
		clientauth.NewNoneMethod(store),
		clientauth.NewSecretJWTMethod(verifier),
		clientauth.NewPrivateKeyJWTMethod(verifier),
		clientauth.NewTLSMethod(store),
		clientauth.NewSelfSignedTLSMethod(store),
	)

	h, err := handlers.New(handlers.Config{
		Issuer:                          cfg.Issuer,
		Scopes:                          cfg.Scopes,
		EnableRevocationEndpoint:        *cfg.EnableRevocationEndpoint,
		EnableIntrospectionEndpoint:     *cfg.EnableIntrospectionEndpoint,
		EnableRefreshTokenIntrospection: cfg.EnableRefreshTokenIntrospection,
		EnableAccessTokenRevocation:     *cfg.AccessTokenRevocation,
		EnableDeviceAuthorizationGrant:  cfg.EnableDeviceAuthorizationGrant,
		EnableRegistrationEndpoint:      cfg.EnableRegistrationEndpoint,
		PermissiveScopes:                cfg.PermissiveScopes,
		SecureCookies:                   *cfg.SecureCookies,
		SessionCookieTTL:                cfg.SessionCookieTTL,
	}, handlers.Deps{
		Store:      store,
		Registry:   registry,
		Dispatcher: dispatcher,
		Assertions: verifier,
		Engine:     engine,
		Access:     access,
		Refresh:    refresh,
		Codes:      codes,
		Devices:    devices,
		IDTokens:   idTokens,
		Keys:       cfg.Keys,
		Users:      userSvc,
		Sectors:    flow.NewSectorFetcher(cfg.HTTPClient, cfg.SectorCacheTTL),
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		handlers:  h,
		router:    h.Routes(),
		metrics:   m,
		purgeStop: make(chan struct{}),
		purgeDone: make(chan struct{}),
	}

	if cfg.PurgeInterval > 0 {
		go s.purgeLoop(cfg.PurgeInterval)
	} else {
		close(s.purgeDone)
	}

	logger.Infow("authorization server composed",
		"issuer", cfg.Issuer,
		"device_flow", cfg.EnableDeviceAuthorizationGrant,
		"registration", cfg.EnableRegistrationEndpoint,
		"refresh_rotation", cfg.RotateRefreshTokens,
	)
	return s, nil
}

// Handler returns the composed HTTP surface. Mount it at the issuer root.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics exposes the server's metric registry for external mounting.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Health reports whether the backing store is reachable.
func (s *Server) Health(ctx context.Context) error {
	return s.store.Health(ctx)
}

// Close stops the background sweeper. The injected store and user service
// stay open; the caller owns them.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.purgeStop)
	})
	<-s.purgeDone
	return nil
}

// purgeLoop sweeps expired records on a fixed interval. Backends with
// self-expiring records treat the sweep as a no-op.
func (s *Server) purgeLoop(interval time.Duration) {
	defer close(s.purgeDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.purgeStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := s.store.PurgeExpired(ctx, time.Now()); err != nil {
				logger.Warnw("expired record sweep failed", "error", err)
			}
			cancel()
		}
	}
}
