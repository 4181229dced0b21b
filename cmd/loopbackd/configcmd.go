// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sigil-dev/loopback/internal/config"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and bootstrap configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with credentials masked",
		RunE:  runConfigShow,
	}
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the commented default config",
		Long:  "Write the commented default loopback.yaml to path, or to ~/.config/loopback/loopback.yaml.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	}
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	redacted := cfg.Redacted()
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "encoding config: %w", err)
	}

	w := cmd.OutOrStdout()
	if p := cfg.Path(); p != "" {
		_, _ = fmt.Fprintf(w, "# loaded from %s\n", p)
	} else {
		_, _ = fmt.Fprintln(w, "# no config file found; defaults and environment only")
	}
	_, err = w.Write(out)
	return err
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		var err error
		if path, err = config.DefaultConfigPath(); err != nil {
			return err
		}
	}
	force, _ := cmd.Flags().GetBool("force")

	written, err := config.WriteDefault(path, force)
	if err != nil {
		return err
	}
	if !written {
		return sigilerr.Errorf(sigilerr.CodeConfigAlreadyExists, "config file already exists at %s; use --force to overwrite", path)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
	return nil
}
