// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sigil-dev/loopback/internal/store"
)

func init() {
	store.RegisterBackend("sqlite", newStores)
}

func newStores(cfg store.Config) (*store.Stores, error) {
	path := cfg.Path
	if path == "" {
		path = "loopback.db"
	}

	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	stores := &store.Stores{
		Markers: NewMarkerStore(db),
		History: NewChatHistory(db),
		Files:   NewFileStore(db),
	}
	stores.OnClose(db.Close)
	return stores, nil
}

// Open opens (or creates) a SQLite database at dbPath and applies the schema.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite db: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS turn_markers (
	turn_id    TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	turn_id      TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	type         TEXT NOT NULL,
	file_id      TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	url          TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attachments_turn ON attachments(turn_id, seq);

CREATE TABLE IF NOT EXISTS files (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL DEFAULT '',
	mime_type  TEXT NOT NULL,
	size       INTEGER NOT NULL,
	sha256     TEXT NOT NULL,
	data       BLOB NOT NULL,
	created_at TEXT NOT NULL
);
`
	_, err := db.Exec(ddl)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
