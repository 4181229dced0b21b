// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server_test

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/loopback/internal/loopback"
	"github.com/sigil-dev/loopback/internal/provider"
	"github.com/sigil-dev/loopback/internal/server"
	"github.com/sigil-dev/loopback/internal/store/inmem"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

func TestServer_New_EmptyListenAddr(t *testing.T) {
	_, err := server.New(server.Config{}, &server.Services{})
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeServerConfigInvalid), "got %s", sigilerr.CodeOf(err))
	assert.Contains(t, err.Error(), "listen address is required")
}

func TestServer_New_NilServices(t *testing.T) {
	_, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, nil)
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeServerConfigInvalid))
}

func TestServer_New_InvalidRateLimit(t *testing.T) {
	svc := newServices(t)
	_, err := server.New(server.Config{
		ListenAddr: "127.0.0.1:0",
		RateLimit:  server.RateLimitConfig{RequestsPerSecond: 5},
	}, svc)
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeServerConfigInvalid))
}

func TestNewServices_RequiresDependencies(t *testing.T) {
	_, err := server.NewServices(nil, server.ValvesFunc(func(string) loopback.Config { return loopback.Config{} }),
		inmem.NewChatHistory(), server.PipelineInfo{}, nil)
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeServerConfigInvalid))
	assert.Contains(t, err.Error(), "engine")
}

func TestServer_HealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestServer_HealthReportsDegradedBackend(t *testing.T) {
	env := newTestEnv(t)
	for range 3 {
		env.tracker.RecordFailure("fake")
	}

	w := env.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), `"fake"`)
}

func TestServer_OpenAPISpec(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/openapi.json", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, path := range []string{"/inlet", "/outlet", "/valves", "/api/v1/loopback/evaluate", "/api/v1/loopback/turns/{id}"} {
		assert.Contains(t, body, path)
	}
}

func TestServer_CORS(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodOptions, "/outlet", "",
		"Origin", "http://localhost:8080",
		"Access-Control-Request-Method", "POST")

	assert.Equal(t, "http://localhost:8080", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_StartAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv, err := server.New(server.Config{ListenAddr: addr}, newServices(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_StartListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv, err := server.New(server.Config{ListenAddr: ln.Addr().String()}, newServices(t))
	require.NoError(t, err)

	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeServerStartFailure))
}

func TestServer_CloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.srv.Close())
	assert.NoError(t, env.srv.Close())
}

func newServices(t *testing.T) *server.Services {
	t.Helper()
	reg := provider.NewRegistry()
	engine, err := loopback.NewEngine(loopback.Options{
		Markers:      inmem.NewMarkerStore(),
		History:      inmem.NewChatHistory(),
		Files:        inmem.NewFileStore(),
		Router:       reg,
		Capabilities: reg,
	})
	require.NoError(t, err)
	svc, err := server.NewServices(engine, server.ValvesFunc(func(string) loopback.Config { return loopback.DefaultConfig() }),
		inmem.NewChatHistory(), server.PipelineInfo{}, nil)
	require.NoError(t, err)
	return svc
}
