// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"database/sql"

	"github.com/sigil-dev/loopback/internal/store"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

var _ store.ChatHistory = (*ChatHistory)(nil)

// ChatHistory implements store.ChatHistory on the attachments table.
type ChatHistory struct {
	db *sql.DB
}

func NewChatHistory(db *sql.DB) *ChatHistory {
	return &ChatHistory{db: db}
}

func (h *ChatHistory) AppendAttachment(ctx context.Context, turnID string, att *store.Attachment) error {
	if turnID == "" || att == nil || att.ID == "" {
		return sigilerr.New(sigilerr.CodeStoreInvalidInput, "append attachment: turn id and attachment id are required")
	}

	const q = `INSERT INTO attachments (id, turn_id, seq, type, file_id, name, content_type, size, url, status, created_at)
VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM attachments WHERE turn_id = ?), ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := h.db.ExecContext(ctx, q,
		att.ID,
		turnID,
		turnID,
		att.Type,
		att.FileID,
		att.Name,
		att.ContentType,
		att.Size,
		att.URL,
		att.Status,
		formatTime(att.CreatedAt),
	)
	if err != nil {
		return sigilerr.Wrapf(err, sigilerr.CodeStoreDatabaseFailure, "appending attachment %s to turn %s", att.ID, turnID)
	}
	return nil
}

func (h *ChatHistory) ListAttachments(ctx context.Context, turnID string) ([]*store.Attachment, error) {
	const q = `SELECT id, type, file_id, name, content_type, size, url, status, created_at
FROM attachments WHERE turn_id = ? ORDER BY seq`

	rows, err := h.db.QueryContext(ctx, q, turnID)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeStoreDatabaseFailure, "listing attachments for turn %s", turnID)
	}
	defer rows.Close()

	var out []*store.Attachment
	for rows.Next() {
		var att store.Attachment
		var createdAt string
		if err := rows.Scan(&att.ID, &att.Type, &att.FileID, &att.Name, &att.ContentType, &att.Size, &att.URL, &att.Status, &createdAt); err != nil {
			return nil, sigilerr.Wrapf(err, sigilerr.CodeStoreDatabaseFailure, "scanning attachment")
		}
		att.CreatedAt = parseTime(createdAt)
		out = append(out, &att)
	}
	if err := rows.Err(); err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeStoreDatabaseFailure, "iterating attachments")
	}
	return out, nil
}
