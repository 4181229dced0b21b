// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sigil-dev/loopback/internal/store"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

var _ store.FileStore = (*FileStore)(nil)

// FileStore keeps uploaded images as blobs. It serves deployments that run
// without an Open WebUI file backend.
type FileStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

func NewFileStore(db *sql.DB) *FileStore {
	return &FileStore{db: db, nowFunc: time.Now}
}

func (f *FileStore) Upload(ctx context.Context, data []byte, mimeType string, auth store.AuthContext) (string, error) {
	if len(data) == 0 {
		return "", sigilerr.New(sigilerr.CodeStoreInvalidInput, "upload: empty file")
	}

	sum := sha256.Sum256(data)
	id := uuid.NewString()

	const q = `INSERT INTO files (id, owner, mime_type, size, sha256, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := f.db.ExecContext(ctx, q, id, auth.UserID, mimeType, len(data), hex.EncodeToString(sum[:]), data, formatTime(f.nowFunc()))
	if err != nil {
		return "", sigilerr.Wrapf(err, sigilerr.CodeStoreDatabaseFailure, "storing file")
	}
	return id, nil
}

func (f *FileStore) ReadBytes(ctx context.Context, fileID string, auth store.AuthContext) ([]byte, error) {
	const q = `SELECT owner, data FROM files WHERE id = ?`

	var owner string
	var data []byte
	err := f.db.QueryRowContext(ctx, q, fileID).Scan(&owner, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sigilerr.Errorf(sigilerr.CodeStoreFileNotFound, "file %s: %w", fileID, store.ErrNotFound)
	}
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeStoreDatabaseFailure, "reading file %s", fileID)
	}
	if owner != "" && owner != auth.UserID {
		return nil, sigilerr.Errorf(sigilerr.CodeStoreFileAccessDenied, "file %s: %w", fileID, store.ErrAccessDenied)
	}
	return data, nil
}
