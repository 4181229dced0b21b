// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns its combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeConfig writes a config file into a temp dir, points HOME there and
// clears credential variables so the host environment cannot leak in.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("OPENWEBUI_API_KEY", "")
	t.Setenv("LOOPBACK_API_KEY", "")
	useSecretStore(t, newMockSecretStore())

	path := filepath.Join(dir, "loopback.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const memoryConfig = `
log:
  level: "off"
storage:
  backend: memory
  files: local
loopback:
  enable: true
default_provider: ollama
providers:
  ollama:
    endpoint: "http://127.0.0.1:1"
`

func TestRootCommand_Help(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"serve", "evaluate", "turn", "config", "secret", "init", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "loopbackd dev")
}

func TestServeCommand_RequiresConfig(t *testing.T) {
	_, err := execute(t, "serve", "--config", "/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	root := NewRootCmd()
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("verbose"))
	assert.Equal(t, "c", root.PersistentFlags().Lookup("config").Shorthand)
}
