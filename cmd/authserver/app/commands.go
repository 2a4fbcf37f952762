// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command definitions for the authserver binary.
package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/authserver/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "authserver",
	DisableAutoGenTag: true,
	Short:             "authserver is an OAuth 2.0 / OpenID Connect authorization server",
	Long: `authserver is a standalone OAuth 2.0 / OpenID Connect authorization server.

It drives interactive login and consent through an external UI, issues and
manages authorization codes, access tokens, refresh tokens, and ID tokens,
and serves the standard protocol endpoints: authorize, token, revocation,
introspection, userinfo, device authorization, dynamic registration, and
discovery. State persists in memory, Redis, or SQLite.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the authserver binary.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")

	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
