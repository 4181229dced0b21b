// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/loopback/internal/loopback"
	"github.com/sigil-dev/loopback/internal/provider"
	"github.com/sigil-dev/loopback/internal/server"
	"github.com/sigil-dev/loopback/internal/store/inmem"
	"github.com/sigil-dev/loopback/pkg/health"
)

// pngB64 is a base64 blob with a PNG signature.
var pngB64 = base64.StdEncoding.EncodeToString(append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, make([]byte, 24)...))

// outletBody is a chat body whose last message carries one generated image.
const outletBodyTmpl = `{"model":"llava","chat_id":"chat-1","id":"msg-1",` +
	`"messages":[{"role":"user","content":"draw a cat"},` +
	`{"role":"assistant","content":"","tool_result":{"tool_name":"generate_image","images":[{"b64_json":"%s"}]}}]}`

func outletBody() string {
	return fmt.Sprintf(outletBodyTmpl, pngB64)
}

// recordingProvider accepts every turn and records it.
type recordingProvider struct {
	mu    sync.Mutex
	turns []provider.TurnRequest
	err   error
}

func (p *recordingProvider) Name() string                      { return "fake" }
func (p *recordingProvider) PayloadMode() provider.PayloadMode { return provider.PayloadInline }
func (p *recordingProvider) Close() error                      { return nil }

func (p *recordingProvider) Capabilities(string) (provider.ModelCapabilities, bool) {
	return provider.ModelCapabilities{SupportsVision: true}, true
}

func (p *recordingProvider) SubmitTurn(_ context.Context, req provider.TurnRequest) (*provider.TurnResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, req)
	if p.err != nil {
		return nil, p.err
	}
	return &provider.TurnResponse{Model: req.Model, Content: "a cat"}, nil
}

func (p *recordingProvider) submitted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.turns)
}

type testEnv struct {
	srv      *server.Server
	provider *recordingProvider
	history  *inmem.ChatHistory
	tracker  *health.Tracker
	valves   loopback.Config
}

type envOption func(*server.Config, *loopback.Config)

func withAPIKey(key string) envOption {
	return func(c *server.Config, _ *loopback.Config) { c.APIKey = key }
}

func withValves(fn func(*loopback.Config)) envOption {
	return func(_ *server.Config, v *loopback.Config) { fn(v) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		provider: &recordingProvider{},
		history:  inmem.NewChatHistory(),
		tracker:  health.NewTracker(0),
		valves:   loopback.DefaultConfig(),
	}
	env.valves.Enabled = true
	env.valves.Credential = "sk-test"

	cfg := server.Config{ListenAddr: "127.0.0.1:0"}
	for _, opt := range opts {
		opt(&cfg, &env.valves)
	}

	reg := provider.NewRegistry()
	reg.Register("fake", env.provider)
	reg.SetDefault("fake")

	engine, err := loopback.NewEngine(loopback.Options{
		Markers:      inmem.NewMarkerStore(),
		History:      env.history,
		Files:        inmem.NewFileStore(),
		Router:       reg,
		Capabilities: reg,
		Health:       env.tracker,
	})
	require.NoError(t, err)

	valves := env.valves
	svc, err := server.NewServices(engine, server.ValvesFunc(func(string) loopback.Config { return valves }),
		env.history, server.PipelineInfo{}, env.tracker)
	require.NoError(t, err)

	env.srv, err = server.New(cfg, svc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.srv.Close() })
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}
