// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/sigil-dev/loopback/internal/store"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type cacheKey struct {
	owner string
	hash  string
}

type cacheEntry struct {
	ready chan struct{}
	file  RegisteredFile
	err   error
}

// Registrar uploads images through file storage with content-hash dedup.
// Concurrent registrations of the same content share one upload. Failed
// uploads are evicted so a later attempt uploads again.
type Registrar struct {
	files store.FileStore

	mu    sync.Mutex
	cache map[cacheKey]*cacheEntry
}

// NewRegistrar creates a Registrar backed by files.
func NewRegistrar(files store.FileStore) *Registrar {
	return &Registrar{files: files, cache: make(map[cacheKey]*cacheEntry)}
}

// Register uploads img unless the same owner already registered identical
// bytes. The upload uses auth, so the file gets user-upload permissions.
func (r *Registrar) Register(ctx context.Context, img ImagePayload, auth store.AuthContext) (RegisteredFile, bool, error) {
	if len(img.Data) == 0 {
		return RegisteredFile{}, false, sigilerr.New(sigilerr.CodeLoopbackUploadFailure, "image has no bytes")
	}

	key := cacheKey{owner: auth.UserID, hash: HashBytes(img.Data)}

	r.mu.Lock()
	if e, ok := r.cache[key]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return RegisteredFile{}, false, ctxError(ctx, "waiting for upload")
		}
		if e.err != nil {
			return RegisteredFile{}, false, e.err
		}
		return e.file, true, nil
	}
	e := &cacheEntry{ready: make(chan struct{})}
	r.cache[key] = e
	r.mu.Unlock()

	id, err := r.files.Upload(ctx, img.Data, img.MIMEType, auth)
	if err != nil {
		if ctx.Err() != nil {
			err = ctxError(ctx, "uploading image")
		} else {
			err = sigilerr.Reclassify(err, sigilerr.CodeLoopbackUploadFailure, "uploading image")
		}
		e.err = err
		r.mu.Lock()
		delete(r.cache, key)
		r.mu.Unlock()
		close(e.ready)
		return RegisteredFile{}, false, err
	}

	e.file = RegisteredFile{FileID: id, Hash: key.hash, MIMEType: img.MIMEType, Size: int64(len(img.Data))}
	close(e.ready)
	return e.file, false, nil
}

// Len returns the number of cached registrations.
func (r *Registrar) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func ctxError(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return sigilerr.Wrap(ctx.Err(), sigilerr.CodeLoopbackTimeout, op+": timed out")
	}
	return sigilerr.Wrap(ctx.Err(), sigilerr.CodeLoopbackTimeout, op+": canceled")
}
