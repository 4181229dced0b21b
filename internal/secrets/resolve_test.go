// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package secrets_test

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/loopback/internal/secrets"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

func TestIsKeyringURI(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"keyring://loopback/openwebui-api-key", true},
		{"keyring://", true},
		{"sk-abc123", false},
		{"", false},
		{"vault://secret/key", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, secrets.IsKeyringURI(tt.value))
		})
	}
}

func TestParseKeyringURI(t *testing.T) {
	tests := []struct {
		name        string
		uri         string
		wantService string
		wantKey     string
		wantErr     bool
	}{
		{"valid", "keyring://loopback/api-key", "loopback", "api-key", false},
		{"slashes in key", "keyring://loopback/path/to/key", "loopback", "path/to/key", false},
		{"not a keyring URI", "vault://secret/key", "", "", true},
		{"missing key", "keyring://loopback/", "", "", true},
		{"missing service", "keyring:///key", "", "", true},
		{"no path", "keyring://loopback", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, key, err := secrets.ParseKeyringURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, sigilerr.HasCode(err, sigilerr.CodeSecretInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantService, svc)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestURIRoundTrip(t *testing.T) {
	svc, key, err := secrets.ParseKeyringURI(secrets.URI(secrets.DefaultService, "openwebui-api-key"))
	require.NoError(t, err)
	assert.Equal(t, secrets.DefaultService, svc)
	assert.Equal(t, "openwebui-api-key", key)
}

func TestResolve(t *testing.T) {
	ks := secrets.NewKeyringStore()
	require.NoError(t, ks.Store("loopback", "test-key", "resolved-secret"))

	val, err := secrets.Resolve(ks, "keyring://loopback/test-key")
	require.NoError(t, err)
	assert.Equal(t, "resolved-secret", val)

	val, err = secrets.Resolve(ks, "literal-value")
	require.NoError(t, err)
	assert.Equal(t, "literal-value", val)

	_, err = secrets.Resolve(ks, "keyring://loopback/nonexistent")
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeSecretResolveFailure))

	_, err = secrets.Resolve(ks, "keyring://bad")
	require.Error(t, err)
}

func TestResolveViper(t *testing.T) {
	ks := secrets.NewKeyringStore()
	require.NoError(t, ks.Store("loopback", "openwebui-api-key", "sk-owui"))
	require.NoError(t, ks.Store("loopback", "openai-api-key", "sk-oai"))

	v := viper.New()
	v.Set("loopback.api_key", "keyring://loopback/openwebui-api-key")
	v.Set("providers.openai.api_key", "keyring://loopback/openai-api-key")
	v.Set("server.listen", "127.0.0.1:9099")

	require.NoError(t, secrets.ResolveViper(v, ks))

	assert.Equal(t, "sk-owui", v.GetString("loopback.api_key"))
	assert.Equal(t, "sk-oai", v.GetString("providers.openai.api_key"))
	assert.Equal(t, "127.0.0.1:9099", v.GetString("server.listen"))
}

func TestResolveViper_UnresolvedIsCleared(t *testing.T) {
	ks := secrets.NewKeyringStore()

	v := viper.New()
	v.Set("loopback.api_key", "keyring://loopback/nonexistent-key")

	err := secrets.ResolveViper(v, ks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loopback.api_key")
	assert.Empty(t, v.GetString("loopback.api_key"))
}
