// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sigil-dev/loopback/internal/loopback"
	"github.com/sigil-dev/loopback/internal/provider"
	"github.com/sigil-dev/loopback/internal/store"
	"github.com/sigil-dev/loopback/internal/store/inmem"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// pngOf returns a PNG-signed blob of n bytes, distinct per seed.
func pngOf(n int, seed byte) []byte {
	b := make([]byte, n)
	copy(b, pngHeader)
	if n > len(pngHeader) {
		b[len(pngHeader)] = seed
	}
	return b
}

func enabledConfig() loopback.Config {
	cfg := loopback.DefaultConfig()
	cfg.Enabled = true
	cfg.Credential = "sk-test"
	return cfg
}

func visionAll() loopback.CapabilityLookup {
	return loopback.CapabilityFunc(func(string) bool { return true })
}

func visionNone() loopback.CapabilityLookup {
	return loopback.CapabilityFunc(func(string) bool { return false })
}

// fakeFiles wraps the in-memory file store with failure injection.
type fakeFiles struct {
	*inmem.FileStore

	mu        sync.Mutex
	uploadErr error
	readErr   map[string]error
	// block, when set, holds every upload until it is closed.
	block chan struct{}
	reads atomic.Int64
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{FileStore: inmem.NewFileStore(), readErr: map[string]error{}}
}

func (f *fakeFiles) Upload(ctx context.Context, data []byte, mimeType string, auth store.AuthContext) (string, error) {
	f.mu.Lock()
	err, block := f.uploadErr, f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return f.FileStore.Upload(ctx, data, mimeType, auth)
}

func (f *fakeFiles) ReadBytes(ctx context.Context, fileID string, auth store.AuthContext) ([]byte, error) {
	f.reads.Add(1)
	f.mu.Lock()
	err := f.readErr[fileID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.FileStore.ReadBytes(ctx, fileID, auth)
}

func (f *fakeFiles) failUploads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadErr = err
}

func (f *fakeFiles) failRead(fileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr[fileID] = sigilerr.New(sigilerr.CodeStoreFileNotFound, "gone")
}

// fakeProvider records submitted turns.
type fakeProvider struct {
	mode provider.PayloadMode

	mu       sync.Mutex
	requests []provider.TurnRequest
	err      error
	// wait, when set, blocks SubmitTurn until closed or ctx ends.
	wait chan struct{}
}

func (p *fakeProvider) Name() string                      { return "fake" }
func (p *fakeProvider) PayloadMode() provider.PayloadMode { return p.mode }
func (p *fakeProvider) Close() error                      { return nil }

func (p *fakeProvider) Capabilities(string) (provider.ModelCapabilities, bool) {
	return provider.ModelCapabilities{SupportsVision: true}, true
}

func (p *fakeProvider) SubmitTurn(ctx context.Context, req provider.TurnRequest) (*provider.TurnResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	err, wait := p.err, p.wait
	p.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &provider.TurnResponse{Model: req.Model, Content: "described"}, nil
}

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProvider) submitted() []provider.TurnRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.TurnRequest(nil), p.requests...)
}

type harness struct {
	engine   *loopback.Engine
	markers  *inmem.MarkerStore
	history  *inmem.ChatHistory
	files    *fakeFiles
	provider *fakeProvider
}

func newHarness(mode provider.PayloadMode) *harness {
	return newHarnessAt(mode, nil)
}

// newHarnessAt builds a harness whose engine reads time from now.
func newHarnessAt(mode provider.PayloadMode, now func() time.Time) *harness {
	h := &harness{
		markers:  inmem.NewMarkerStore(),
		history:  inmem.NewChatHistory(),
		files:    newFakeFiles(),
		provider: &fakeProvider{mode: mode},
	}
	reg := provider.NewRegistry()
	reg.Register("fake", h.provider)
	reg.SetDefault("fake")

	engine, err := loopback.NewEngine(loopback.Options{
		Markers:      h.markers,
		History:      h.history,
		Files:        h.files,
		Router:       reg,
		Capabilities: reg,
		FileURL:      func(id string) string { return "/api/v1/files/" + id + "/content" },
		Now:          now,
		// Image servers in tests listen on loopback.
		Fetcher: &loopback.Fetcher{Client: &http.Client{}},
	})
	if err != nil {
		panic(err)
	}
	h.engine = engine
	return h
}

func turnFor(id string) loopback.Turn {
	return loopback.Turn{
		ID:      id,
		ChatID:  "chat-1",
		Model:   "llava",
		History: []provider.Message{{Role: provider.MessageRoleUser, Content: "draw a cat"}},
		Auth:    store.AuthContext{UserID: "user-1"},
	}
}

func imageResult(images ...loopback.ImagePayload) loopback.ToolResult {
	return loopback.ToolResult{ToolName: "generate_image", Images: images}
}
