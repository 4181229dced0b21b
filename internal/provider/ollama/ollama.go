// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package ollama talks to an Ollama-compatible /api/chat endpoint. It is the
// inline reference provider: images travel as base64 strings in a dedicated
// "images" array beside the message text.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sigil-dev/loopback/internal/provider"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

const defaultEndpoint = "http://localhost:11434"

// Config holds Ollama provider configuration.
type Config struct {
	Endpoint string
	APIKey   string // optional, for proxies in front of Ollama
	Timeout  time.Duration
}

// Provider implements provider.Provider against /api/chat.
type Provider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	caps     *provider.CapabilityTable
}

var _ provider.Provider = (*Provider)(nil)

// New creates an Ollama provider.
func New(cfg Config) *Provider {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Provider{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		caps:     provider.NewCapabilityTable(knownModels()),
	}
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) PayloadMode() provider.PayloadMode { return provider.PayloadInline }

func (p *Provider) Capabilities(model string) (provider.ModelCapabilities, bool) {
	return p.caps.Lookup(model)
}

// CapabilityTable exposes the table for configuration overrides.
func (p *Provider) CapabilityTable() *provider.CapabilityTable { return p.caps }

func (p *Provider) Close() error { return nil }

// knownModels lists vision model families commonly served by Ollama.
func knownModels() map[string]provider.ModelCapabilities {
	vision := provider.ModelCapabilities{SupportsVision: true}
	visionTools := provider.ModelCapabilities{SupportsVision: true, SupportsTools: true}
	return map[string]provider.ModelCapabilities{
		"llava":            vision,
		"bakllava":         vision,
		"llava-llama3":     vision,
		"llama3.2-vision":  vision,
		"minicpm-v":        vision,
		"moondream":        vision,
		"gemma3":           vision,
		"qwen2.5vl":        visionTools,
		"mistral-small3.1": visionTools,
		"llama3.1":         {SupportsTools: true},
		"qwen2.5":          {SupportsTools: true},
	}
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Images   []string       `json:"images,omitempty"`
	Stream   bool           `json:"stream"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// BuildRequest renders req into the /api/chat body. The prompt is the last
// message and carries the images; the same list is mirrored at top level.
func BuildRequest(req provider.TurnRequest) ([]byte, error) {
	if req.Vision.Mode != provider.PayloadInline {
		return nil, sigilerr.Errorf(sigilerr.CodeProviderModeUnsupported, "ollama: payload mode %q not supported", req.Vision.Mode)
	}

	images := req.Vision.Base64()
	msgs := make([]chatMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, chatMessage{
		Role:    string(provider.MessageRoleUser),
		Content: req.Prompt.Content,
		Images:  images,
	})

	body := chatRequest{
		Model:    req.Model,
		Messages: msgs,
		Images:   images,
		Stream:   false,
		Metadata: provider.TurnMetadata(req),
	}
	return json.Marshal(body)
}

func (p *Provider) SubmitTurn(ctx context.Context, req provider.TurnRequest) (*provider.TurnResponse, error) {
	body, err := BuildRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderRequestInvalid, "ollama: creating request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderUpstreamFailure, "ollama: request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderUpstreamFailure, "ollama: reading response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, sigilerr.New(sigilerr.CodeProviderUpstreamFailure,
			fmt.Sprintf("ollama: status %d: %s", resp.StatusCode, truncate(string(raw), 200)),
			sigilerr.FieldModel(req.Model))
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderResponseInvalid, "ollama: parsing response")
	}
	if out.Error != "" {
		return nil, sigilerr.New(sigilerr.CodeProviderUpstreamFailure, "ollama: "+out.Error, sigilerr.FieldModel(req.Model))
	}

	return &provider.TurnResponse{Model: out.Model, Content: out.Message.Content}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
