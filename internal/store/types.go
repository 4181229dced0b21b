// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import "time"

// MarkerState is the lifecycle state of a turn marker.
type MarkerState string

const (
	MarkerAbsent  MarkerState = ""
	MarkerPending MarkerState = "pending"
	MarkerDone    MarkerState = "done"
	MarkerFailed  MarkerState = "failed"
)

// Valid reports whether s is a known marker state.
func (s MarkerState) Valid() bool {
	switch s {
	case MarkerAbsent, MarkerPending, MarkerDone, MarkerFailed:
		return true
	}
	return false
}

// TurnMarker is the per-turn idempotency record.
type TurnMarker struct {
	TurnID    string
	State     MarkerState
	UpdatedAt time.Time
}

// LoopbackDone reports whether a follow-up was dispatched for the turn.
func (m TurnMarker) LoopbackDone() bool {
	return m.State == MarkerDone
}

// StalePending reports whether the marker is a pending claim last written
// before cutoff. A zero cutoff never matches.
func (m TurnMarker) StalePending(cutoff time.Time) bool {
	return m.State == MarkerPending && !cutoff.IsZero() && m.UpdatedAt.Before(cutoff)
}

// AuthContext carries the identity used for upload ACLs.
type AuthContext struct {
	UserID string
	Token  string
}

// AttachmentStatusUploaded matches the status a finished user upload carries.
const AttachmentStatusUploaded = "uploaded"

// Attachment is the file record the chat UI renders inline.
type Attachment struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	FileID      string    `json:"file_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	URL         string    `json:"url"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
