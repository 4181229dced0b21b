// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"context"
	"time"
)

// MarkerStore owns the per-turn loopback marker. Every write is an atomic
// check-and-set against the stored state.
type MarkerStore interface {
	// GetTurnMarker returns the marker for turnID. An unknown turn yields a
	// marker in MarkerAbsent state, not an error.
	GetTurnMarker(ctx context.Context, turnID string) (TurnMarker, error)

	// ClaimTurn moves an absent marker to pending. A pending marker last
	// written before staleBefore is taken over as well; a zero staleBefore
	// never takes one over. It reports false when the turn is done, failed
	// or held by a live claim.
	ClaimTurn(ctx context.Context, turnID string, staleBefore time.Time) (bool, error)

	// SetDone marks the turn done. Calling it on a done turn is a no-op.
	SetDone(ctx context.Context, turnID string) error

	// SetFailed records a failed attempt. It never overrides a done marker.
	SetFailed(ctx context.Context, turnID string) error

	// ReleaseTurn drops a pending claim so the turn returns to absent.
	// Done and failed markers are left untouched.
	ReleaseTurn(ctx context.Context, turnID string) error
}

// ChatHistory receives synthetic attachments for a turn.
type ChatHistory interface {
	AppendAttachment(ctx context.Context, turnID string, att *Attachment) error
	ListAttachments(ctx context.Context, turnID string) ([]*Attachment, error)
}

// FileStore is the upload pathway shared with ordinary user uploads.
type FileStore interface {
	Upload(ctx context.Context, data []byte, mimeType string, auth AuthContext) (string, error)
	ReadBytes(ctx context.Context, fileID string, auth AuthContext) ([]byte, error)
}

// Stores bundles the backends the loopback engine needs.
type Stores struct {
	Markers MarkerStore
	History ChatHistory
	Files   FileStore
	closers []func() error
}

// Close releases every backend resource registered with the bundle.
func (s *Stores) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}

// OnClose registers a cleanup function run by Close.
func (s *Stores) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
