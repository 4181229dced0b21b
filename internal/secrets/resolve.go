// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package secrets

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

const scheme = "keyring://"

// IsKeyringURI reports whether value is a keyring://service/key reference.
func IsKeyringURI(value string) bool {
	return strings.HasPrefix(value, scheme)
}

// URI formats a keyring reference.
func URI(service, key string) string {
	return scheme + service + "/" + key
}

// ParseKeyringURI splits a keyring://service/key reference.
func ParseKeyringURI(uri string) (service, key string, err error) {
	rest, ok := strings.CutPrefix(uri, scheme)
	if !ok {
		return "", "", sigilerr.Errorf(sigilerr.CodeSecretInvalidInput, "not a keyring URI: %q", uri)
	}
	service, key, found := strings.Cut(rest, "/")
	if !found || service == "" || key == "" {
		return "", "", sigilerr.Errorf(sigilerr.CodeSecretInvalidInput,
			"invalid keyring URI %q: expected keyring://service/key", uri)
	}
	return service, key, nil
}

// Resolve returns the secret a keyring URI points to. Other values are
// returned unchanged.
func Resolve(store Store, value string) (string, error) {
	if !IsKeyringURI(value) {
		return value, nil
	}
	service, key, err := ParseKeyringURI(value)
	if err != nil {
		return "", err
	}
	secret, err := store.Retrieve(service, key)
	if err != nil {
		return "", sigilerr.Wrapf(err, sigilerr.CodeSecretResolveFailure, "resolving %q", value)
	}
	return secret, nil
}

// ResolveViper replaces every keyring URI held by v with its secret. A value
// that cannot be resolved is cleared, so a broken reference reads as an
// absent credential rather than being sent upstream. The returned error names
// every unresolved key.
func ResolveViper(v *viper.Viper, store Store) error {
	var errs []error
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if !IsKeyringURI(val) {
			continue
		}
		resolved, err := Resolve(store, val)
		if err != nil {
			slog.Warn("keyring reference unresolved", "config_key", key, "error", err)
			errs = append(errs, sigilerr.Wrapf(err, sigilerr.CodeSecretResolveFailure, "config key %s", key))
			v.Set(key, "")
			continue
		}
		v.Set(key, resolved)
	}
	if len(errs) == 0 {
		return nil
	}
	return sigilerr.Join(errs...)
}
