// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/loopback/internal/config"
	"github.com/sigil-dev/loopback/internal/secrets"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

// secretStoreFactory creates a secrets.Store. It is a package-level variable
// so tests can substitute a mock implementation.
var secretStoreFactory = func() secrets.Store {
	return secrets.NewKeyringStore()
}

// NewRootCmd creates the root loopbackd command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loopbackd",
		Short:         "loopbackd: image loopback filter for chat pipelines",
		Long:          "loopbackd watches tool results for generated images and loops them back to vision models as a follow-up turn.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newEvaluateCmd(),
		newTurnCmd(),
		newConfigCmd(),
		newSecretCmd(),
		newVersionCmd(),
	)

	return root
}

// loadConfig reads the configuration named by --config (or found on the
// search path) and installs the configured logger as the slog default.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path, secretStoreFactory())
	if err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "loading config")
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	slog.SetDefault(cfg.Log.Logger(cmd.ErrOrStderr()))

	if cfg.Path() != "" {
		config.WarnInsecurePermissions(cfg.Path())
	}
	return cfg, nil
}
