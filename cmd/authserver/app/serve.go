// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Start the authorization server with the endpoints configured in the
config file. State lives in the configured storage backend; login and consent
are delegated to the configured interaction UI.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	// Write timeout exceeds the request timeout so the timeout middleware
	// can still respond.
	serverWriteTimeout = 15 * time.Second
	serverIdleTimeout  = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides the config file)")
	serveCmd.Flags().String("config", "", "Path to the YAML config file")
	serveCmd.Flags().Bool("dev", false, "Run with ephemeral keys, an in-memory store, and a demo user")

	for _, name := range []string{"address", "config", "dev"} {
		if err := viper.BindPFlag(name, serveCmd.Flags().Lookup(name)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", name, err)
		}
	}
	viper.SetEnvPrefix("authserver")
	viper.AutomaticEnv()
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	configPath := viper.GetString("config")
	dev := viper.GetBool("dev")

	var cfg *fileConfig
	var secretKey []byte
	switch {
	case configPath != "":
		var err error
		cfg, err = loadFileConfig(configPath)
		if err != nil {
			return err
		}
		secretKey, err = cfg.loadSecretKey()
		if err != nil {
			return err
		}
	case dev:
		var err error
		cfg, secretKey, err = devConfig()
		if err != nil {
			return err
		}
		logger.Warnf("Running in dev mode: ephemeral keys, in-memory store, demo user %q", devUsername)
	default:
		return fmt.Errorf("either --config or --dev is required")
	}

	address := viper.GetString("address")
	if address == "" {
		address = cfg.Address
	}
	if address == "" {
		address = ":8080"
	}

	provider, err := cfg.buildKeyProvider()
	if err != nil {
		return fmt.Errorf("failed to build key provider: %w", err)
	}

	store, err := cfg.buildStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open storage backend: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Failed to close store: %v", err)
		}
	}()

	if err := cfg.seedClients(ctx, store); err != nil {
		return err
	}

	userSvc, err := cfg.buildUserService(ctx)
	if err != nil {
		return err
	}

	srv, err := server.New(ctx, cfg.serverConfig(secretKey, provider), store, userSvc)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Errorf("Failed to close server: %v", err)
		}
	}()

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(serverRequestTimeout),
	)
	router.Mount("/", srv.Handler())

	httpServer := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	logger.Infow("Interaction UI endpoints",
		"login", cfg.Interaction.Login,
		"consent", cfg.Interaction.Consent,
		"error", cfg.Interaction.Error,
	)

	go func() {
		logger.Infow("Authorization server listening", "address", address, "issuer", cfg.Issuer)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}

const (
	devUsername = "dev"
	devPassword = "dev"
)

// devConfig builds a self-contained local setup: loopback issuer, generated
// signing key, random pairwise secret, in-memory store, and one demo user.
// Never for production; keys and state vanish on restart.
func devConfig() (*fileConfig, []byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, fmt.Errorf("failed to generate secret key: %w", err)
	}

	cfg := &fileConfig{
		Issuer:  "http://localhost:8080",
		Address: ":8080",
		Scopes:  []string{"openid", "email", "profile", "offline_access"},
	}
	cfg.Interaction.Login = "http://localhost:8080/interaction/login"
	cfg.Interaction.Consent = "http://localhost:8080/interaction/consent"
	cfg.Interaction.Error = "http://localhost:8080/interaction/error"
	cfg.Features.DeviceAuthorizationGrant = true
	cfg.Features.RegistrationEndpoint = true
	cfg.Features.PermissiveScopes = true
	insecure := false
	cfg.Features.SecureCookies = &insecure
	cfg.Users = []demoUser{{
		Username: devUsername,
		Password: devPassword,
		Claims:   map[string]any{"email": devUsername + "@localhost"},
	}}
	return cfg, secret, nil
}
