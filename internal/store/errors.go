// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"errors"

	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

// Sentinel errors for store operations.
// These errors can be checked using errors.Is() for classification.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied indicates the caller does not own the requested file.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidInput indicates the input parameters are invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")
)

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return sigilerr.Join(errs...)
}
