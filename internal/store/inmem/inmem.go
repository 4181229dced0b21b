// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package inmem provides process-local store implementations used by tests
// and by the "memory" storage backend.
package inmem

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sigil-dev/loopback/internal/store"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

func init() {
	store.RegisterBackend("memory", func(store.Config) (*store.Stores, error) {
		return &store.Stores{
			Markers: NewMarkerStore(),
			History: NewChatHistory(),
			Files:   NewFileStore(),
		}, nil
	})
}

var (
	_ store.MarkerStore = (*MarkerStore)(nil)
	_ store.ChatHistory = (*ChatHistory)(nil)
	_ store.FileStore   = (*FileStore)(nil)
)

// MarkerStore keeps turn markers in a mutex-guarded map.
type MarkerStore struct {
	mu      sync.Mutex
	markers map[string]store.TurnMarker
	nowFunc func() time.Time
}

func NewMarkerStore() *MarkerStore {
	return &MarkerStore{markers: map[string]store.TurnMarker{}, nowFunc: time.Now}
}

func (s *MarkerStore) GetTurnMarker(_ context.Context, turnID string) (store.TurnMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.markers[turnID]; ok {
		return m, nil
	}
	return store.TurnMarker{TurnID: turnID, State: store.MarkerAbsent}, nil
}

func (s *MarkerStore) ClaimTurn(_ context.Context, turnID string, staleBefore time.Time) (bool, error) {
	if turnID == "" {
		return false, sigilerr.New(sigilerr.CodeStoreInvalidInput, "claim: turn id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.markers[turnID]; ok && !m.StalePending(staleBefore) {
		return false, nil
	}
	s.markers[turnID] = store.TurnMarker{TurnID: turnID, State: store.MarkerPending, UpdatedAt: s.nowFunc()}
	return true, nil
}

func (s *MarkerStore) SetDone(_ context.Context, turnID string) error {
	if turnID == "" {
		return sigilerr.New(sigilerr.CodeStoreInvalidInput, "set done: turn id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.markers[turnID]; ok && m.State == store.MarkerDone {
		return nil
	}
	s.markers[turnID] = store.TurnMarker{TurnID: turnID, State: store.MarkerDone, UpdatedAt: s.nowFunc()}
	return nil
}

func (s *MarkerStore) SetFailed(_ context.Context, turnID string) error {
	if turnID == "" {
		return sigilerr.New(sigilerr.CodeStoreInvalidInput, "set failed: turn id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.markers[turnID]; ok && m.State == store.MarkerDone {
		return nil
	}
	s.markers[turnID] = store.TurnMarker{TurnID: turnID, State: store.MarkerFailed, UpdatedAt: s.nowFunc()}
	return nil
}

func (s *MarkerStore) ReleaseTurn(_ context.Context, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.markers[turnID]; ok && m.State == store.MarkerPending {
		delete(s.markers, turnID)
	}
	return nil
}

// ChatHistory keeps attachments per turn in append order.
type ChatHistory struct {
	mu          sync.RWMutex
	attachments map[string][]*store.Attachment
}

func NewChatHistory() *ChatHistory {
	return &ChatHistory{attachments: map[string][]*store.Attachment{}}
}

func (h *ChatHistory) AppendAttachment(_ context.Context, turnID string, att *store.Attachment) error {
	if turnID == "" || att == nil {
		return sigilerr.New(sigilerr.CodeStoreInvalidInput, "append attachment: turn id and attachment are required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cp := *att
	h.attachments[turnID] = append(h.attachments[turnID], &cp)
	return nil
}

func (h *ChatHistory) ListAttachments(_ context.Context, turnID string) ([]*store.Attachment, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*store.Attachment, 0, len(h.attachments[turnID]))
	for _, att := range h.attachments[turnID] {
		cp := *att
		out = append(out, &cp)
	}
	return out, nil
}

type storedFile struct {
	owner    string
	mimeType string
	data     []byte
}

// FileStore keeps uploaded bytes in memory. Files are readable by their
// uploader only; uploads without a user id are readable by anyone.
type FileStore struct {
	mu      sync.RWMutex
	files   map[string]storedFile
	seq     atomic.Int64
	uploads atomic.Int64
}

func NewFileStore() *FileStore {
	return &FileStore{files: map[string]storedFile{}}
}

func (f *FileStore) Upload(ctx context.Context, data []byte, mimeType string, auth store.AuthContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", sigilerr.New(sigilerr.CodeStoreInvalidInput, "upload: empty file")
	}

	f.uploads.Add(1)
	id := "file-" + strconv.FormatInt(f.seq.Add(1), 10)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[id] = storedFile{owner: auth.UserID, mimeType: mimeType, data: slices.Clone(data)}
	return id, nil
}

func (f *FileStore) ReadBytes(ctx context.Context, fileID string, auth store.AuthContext) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	file, ok := f.files[fileID]
	if !ok {
		return nil, sigilerr.Errorf(sigilerr.CodeStoreFileNotFound, "file %s: %w", fileID, store.ErrNotFound)
	}
	if file.owner != "" && file.owner != auth.UserID {
		return nil, sigilerr.Errorf(sigilerr.CodeStoreFileAccessDenied, "file %s: %w", fileID, store.ErrAccessDenied)
	}
	return slices.Clone(file.data), nil
}

// Uploads returns how many Upload calls reached the store.
func (f *FileStore) Uploads() int64 {
	return f.uploads.Load()
}
