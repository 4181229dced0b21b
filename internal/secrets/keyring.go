// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package secrets

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"

	"github.com/samber/lo"
	"github.com/zalando/go-keyring"

	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

// indexKey holds a JSON list of the keys stored under a service. go-keyring
// cannot enumerate entries, so List reads this index instead.
const indexKey = "::keys-index"

// KeyringStore implements Store on the OS keyring.
type KeyringStore struct{}

func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func (s *KeyringStore) Store(service, key, value string) error {
	if err := checkRef("store", service, key); err != nil {
		return err
	}
	if err := keyring.Set(service, key, value); err != nil {
		return sigilerr.Wrapf(err, sigilerr.CodeSecretStoreFailure, "storing secret %s/%s", service, key)
	}
	return s.updateIndex(service, func(keys []string) []string {
		return lo.Uniq(append(keys, key))
	})
}

func (s *KeyringStore) Retrieve(service, key string) (string, error) {
	if err := checkRef("retrieve", service, key); err != nil {
		return "", err
	}
	val, err := keyring.Get(service, key)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return "", sigilerr.Errorf(sigilerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	case err != nil:
		return "", sigilerr.Wrapf(err, sigilerr.CodeSecretStoreFailure, "retrieving secret %s/%s", service, key)
	}
	return val, nil
}

func (s *KeyringStore) Delete(service, key string) error {
	if err := checkRef("delete", service, key); err != nil {
		return err
	}
	err := keyring.Delete(service, key)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return sigilerr.Errorf(sigilerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	case err != nil:
		return sigilerr.Wrapf(err, sigilerr.CodeSecretDeleteFailure, "deleting secret %s/%s", service, key)
	}
	return s.updateIndex(service, func(keys []string) []string {
		return lo.Without(keys, key)
	})
}

// List returns the stored key names for service in sorted order.
func (s *KeyringStore) List(service string) ([]string, error) {
	keys, err := readIndex(service)
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *KeyringStore) updateIndex(service string, fn func([]string) []string) error {
	keys, err := readIndex(service)
	if err != nil {
		return err
	}
	keys = fn(keys)

	if len(keys) == 0 {
		if err := keyring.Delete(service, indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			slog.Debug("dropping empty key index", "service", service, "error", err)
		}
		return nil
	}

	raw, err := json.Marshal(keys)
	if err != nil {
		return sigilerr.Wrapf(err, sigilerr.CodeSecretListFailure, "encoding key index for %s", service)
	}
	if err := keyring.Set(service, indexKey, string(raw)); err != nil {
		return sigilerr.Wrapf(err, sigilerr.CodeSecretListFailure, "saving key index for %s", service)
	}
	return nil
}

func readIndex(service string) ([]string, error) {
	raw, err := keyring.Get(service, indexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeSecretListFailure, "loading key index for %s", service)
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeSecretListFailure, "decoding key index for %s", service)
	}
	return keys, nil
}

func checkRef(op, service, key string) error {
	if service == "" {
		return sigilerr.Errorf(sigilerr.CodeSecretInvalidInput, "secret %s: service must not be empty", op)
	}
	if key == "" || key == indexKey {
		return sigilerr.Errorf(sigilerr.CodeSecretInvalidInput, "secret %s: invalid key %q", op, key)
	}
	return nil
}
