// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package ollama_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sigil-dev/loopback/internal/provider"
	"github.com/sigil-dev/loopback/internal/provider/ollama"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func visionTurn() provider.TurnRequest {
	return provider.TurnRequest{
		Model:  "llava",
		ChatID: "chat-1",
		TurnID: "chat-1:msg-2",
		History: []provider.Message{
			{Role: provider.MessageRoleUser, Content: "draw a cat"},
			{Role: provider.MessageRoleAssistant, Content: "calling generate_image"},
		},
		Prompt: provider.Message{Role: provider.MessageRoleUser, Content: "Describe the image."},
		Vision: provider.VisionPayload{
			Mode: provider.PayloadInline,
			Images: []provider.InlineImage{
				{FileID: "f1", MIMEType: "image/png", Base64: "AAAA"},
				{FileID: "f2", MIMEType: "image/jpeg", Base64: "BBBB"},
			},
		},
		Flags: provider.TurnFlags{SystemTriggered: true},
	}
}

func TestBuildRequestShape(t *testing.T) {
	raw, err := ollama.BuildRequest(visionTurn())
	require.NoError(t, err)

	var body struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string   `json:"role"`
			Content string   `json:"content"`
			Images  []string `json:"images"`
		} `json:"messages"`
		Images   []string       `json:"images"`
		Stream   bool           `json:"stream"`
		Metadata map[string]any `json:"metadata"`
		Tools    any            `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))

	assert.Equal(t, "llava", body.Model)
	require.Len(t, body.Messages, 3)
	last := body.Messages[len(body.Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "Describe the image.", last.Content)
	assert.Equal(t, []string{"AAAA", "BBBB"}, last.Images)
	assert.Equal(t, []string{"AAAA", "BBBB"}, body.Images, "top-level images keep selection order")
	assert.Empty(t, body.Messages[0].Images)
	assert.False(t, body.Stream)
	assert.Equal(t, true, body.Metadata["loopback_done"])
	assert.Nil(t, body.Tools, "system triggered turns carry no tools")
}

func TestBuildRequestRejectsReferenceMode(t *testing.T) {
	req := visionTurn()
	req.Vision = provider.VisionPayload{Mode: provider.PayloadReference, Files: []provider.FileReference{{ID: "f1"}}}

	_, err := ollama.BuildRequest(req)
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeProviderModeUnsupported))
}

func TestSubmitTurn(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"llava","message":{"role":"assistant","content":"A cat."},"done":true}`)
	}))
	defer srv.Close()

	p := ollama.New(ollama.Config{Endpoint: srv.URL + "/", APIKey: "secret"})
	resp, err := p.SubmitTurn(context.Background(), visionTurn())
	require.NoError(t, err)
	assert.Equal(t, "A cat.", resp.Content)
	assert.Equal(t, "llava", resp.Model)
	assert.Len(t, got["images"], 2)
}

func TestSubmitTurnUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	p := ollama.New(ollama.Config{Endpoint: srv.URL})
	_, err := p.SubmitTurn(context.Background(), visionTurn())
	require.Error(t, err)
	assert.True(t, sigilerr.IsUpstreamFailure(err))
}

func TestCapabilities(t *testing.T) {
	p := ollama.New(ollama.Config{})
	assert.Equal(t, "ollama", p.Name())
	assert.Equal(t, provider.PayloadInline, p.PayloadMode())

	caps, ok := p.Capabilities("llava:13b")
	require.True(t, ok)
	assert.True(t, caps.SupportsVision)

	caps, ok = p.Capabilities("llama3.1")
	require.True(t, ok)
	assert.False(t, caps.SupportsVision)
}
