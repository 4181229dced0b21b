// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sigil-dev/loopback/internal/store"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

// Compile-time interface check.
var _ store.MarkerStore = (*MarkerStore)(nil)

// MarkerStore implements store.MarkerStore on the turn_markers table. Every
// transition is a single conditional statement, so concurrent writers race on
// the primary key rather than on a read-then-write.
type MarkerStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

func NewMarkerStore(db *sql.DB) *MarkerStore {
	return &MarkerStore{db: db, nowFunc: time.Now}
}

func (s *MarkerStore) GetTurnMarker(ctx context.Context, turnID string) (store.TurnMarker, error) {
	const q = `SELECT state, updated_at FROM turn_markers WHERE turn_id = ?`

	m := store.TurnMarker{TurnID: turnID}
	var state, updatedAt string
	err := s.db.QueryRowContext(ctx, q, turnID).Scan(&state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, nil
	}
	if err != nil {
		return m, sigilerr.Wrapf(err, sigilerr.CodeStoreDatabaseFailure, "reading marker %s", turnID)
	}

	m.State = store.MarkerState(state)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

func (s *MarkerStore) ClaimTurn(ctx context.Context, turnID string, staleBefore time.Time) (bool, error) {
	if turnID == "" {
		return false, sigilerr.New(sigilerr.CodeStoreInvalidInput, "claim: turn id must not be empty")
	}

	// RFC 3339 strings are not fixed width, so the takeover compares via
	// julianday. A zero staleBefore formats as "" and julianday('') is NULL.
	const q = `INSERT INTO turn_markers (turn_id, state, updated_at) VALUES (?, ?, ?)
ON CONFLICT(turn_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
WHERE turn_markers.state = 'pending' AND julianday(turn_markers.updated_at) < julianday(?)`

	res, err := s.db.ExecContext(ctx, q, turnID, string(store.MarkerPending), formatTime(s.nowFunc()), formatTime(staleBefore))
	if err != nil {
		return false, sigilerr.Wrapf(err, sigilerr.CodeStoreDatabaseFailure, "claiming marker %s", turnID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sigilerr.Wrapf(err, sigilerr.CodeStoreDatabaseFailure, "claiming marker %s", turnID)
	}
	return n == 1, nil
}

func (s *MarkerStore) SetDone(ctx context.Context, turnID string) error {
	return s.upsert(ctx, turnID, store.MarkerDone)
}

func (s *MarkerStore) SetFailed(ctx context.Context, turnID string) error {
	return s.upsert(ctx, turnID, store.MarkerFailed)
}

// upsert writes state unless the turn is already done.
func (s *MarkerStore) upsert(ctx context.Context, turnID string, state store.MarkerState) error {
	if turnID == "" {
		return sigilerr.New(sigilerr.CodeStoreInvalidInput, "marker: turn id must not be empty")
	}

	const q = `INSERT INTO turn_markers (turn_id, state, updated_at) VALUES (?, ?, ?)
ON CONFLICT(turn_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
WHERE turn_markers.state != 'done'`

	if _, err := s.db.ExecContext(ctx, q, turnID, string(state), formatTime(s.nowFunc())); err != nil {
		return sigilerr.Wrapf(err, sigilerr.CodeStoreDatabaseFailure, "writing marker %s=%s", turnID, state)
	}
	return nil
}

func (s *MarkerStore) ReleaseTurn(ctx context.Context, turnID string) error {
	const q = `DELETE FROM turn_markers WHERE turn_id = ? AND state = 'pending'`

	if _, err := s.db.ExecContext(ctx, q, turnID); err != nil {
		return sigilerr.Wrapf(err, sigilerr.CodeStoreDatabaseFailure, "releasing marker %s", turnID)
	}
	return nil
}
