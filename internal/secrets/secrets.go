// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package secrets keeps credentials such as the file-service API key out of
// configuration files.
package secrets

// DefaultService is the keyring service loopbackd stores its secrets under.
const DefaultService = "loopback"

// Store provides secret storage keyed by service and key.
type Store interface {
	Store(service, key, value string) error

	// Retrieve returns a CodeSecretNotFound error for an unknown key.
	Retrieve(service, key string) (string, error)

	// Delete returns a CodeSecretNotFound error for an unknown key.
	Delete(service, key string) error

	List(service string) ([]string, error)
}
