// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	_ "embed"
	"log/slog"
	"os"
	"path/filepath"

	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

//go:embed loopback.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/loopback/loopback.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "loopback", "loopback.yaml"), nil
}

// WriteDefault writes the commented default config to path. An existing file
// is left alone unless force is set.
func WriteDefault(path string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "creating config directory: %w", err)
	}
	if err := os.WriteFile(path, DefaultConfigYAML, 0o600); err != nil {
		return false, sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "writing config %s: %w", path, err)
	}

	slog.Info("wrote default config", "path", path)
	return true, nil
}
