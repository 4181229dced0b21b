// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package google

import (
	"context"
	"log/slog"
	"encoding/base64"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/sigil-dev/loopback/internal/provider"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

// Config holds Google provider configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
	Timeout time.Duration
}

// Provider implements provider.Provider using the Gemini API. Images travel
// as InlineData parts.
type Provider struct {
	client *genai.Client
	caps   *provider.CapabilityTable
}

var _ provider.Provider = (*Provider)(nil)

// New creates a Google provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, sigilerr.New(sigilerr.CodeProviderRequestInvalid, "google: missing api_key in config", sigilerr.FieldProvider("google"))
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		cc.HTTPOptions.Timeout = &cfg.Timeout
	}

	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderUpstreamFailure, "google: creating client")
	}

	return &Provider{client: client, caps: provider.NewCapabilityTable(knownModels())}, nil
}

func (p *Provider) Name() string { return "google" }

func (p *Provider) PayloadMode() provider.PayloadMode { return provider.PayloadInline }

func (p *Provider) Capabilities(model string) (provider.ModelCapabilities, bool) {
	return p.caps.Lookup(model)
}

// CapabilityTable exposes the table for configuration overrides.
func (p *Provider) CapabilityTable() *provider.CapabilityTable { return p.caps }

func (p *Provider) Close() error { return nil }

func knownModels() map[string]provider.ModelCapabilities {
	vision := provider.ModelCapabilities{SupportsTools: true, SupportsVision: true}
	return map[string]provider.ModelCapabilities{
		"gemini-2.5-pro":        vision,
		"gemini-2.5-flash":      vision,
		"gemini-2.5-flash-lite": vision,
		"gemini-2.0-flash":      vision,
	}
}

// convertTurn builds the contents and config of a follow-up turn. System
// messages move into SystemInstruction.
func convertTurn(req provider.TurnRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	if req.Vision.Mode != provider.PayloadInline {
		return nil, nil, sigilerr.Errorf(sigilerr.CodeProviderModeUnsupported, "google: payload mode %q not supported", req.Vision.Mode)
	}

	var system []string
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, msg := range req.History {
		role, ok := provider.CanonicalRole(msg.Role)
		if !ok {
			slog.Debug("google: skipping message with unknown role", "role", msg.Role)
			continue
		}
		switch role {
		case provider.MessageRoleUser, provider.MessageRoleTool:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: msg.Content}}})
		case provider.MessageRoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: msg.Content}}})
		case provider.MessageRoleSystem:
			system = append(system, msg.Content)
		}
	}

	parts := make([]*genai.Part, 0, len(req.Vision.Images)+1)
	for _, img := range req.Vision.Images {
		data, err := base64.StdEncoding.DecodeString(img.Base64)
		if err != nil {
			return nil, nil, sigilerr.Wrapf(err, sigilerr.CodeProviderRequestInvalid, "google: decoding image %s", img.FileID)
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: data}})
	}
	parts = append(parts, &genai.Part{Text: req.Prompt.Content})
	contents = append(contents, &genai.Content{Role: "user", Parts: parts})

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	return contents, cfg, nil
}

func (p *Provider) SubmitTurn(ctx context.Context, req provider.TurnRequest) (*provider.TurnResponse, error) {
	contents, cfg, err := convertTurn(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderUpstreamFailure, "google: generating content")
	}
	return &provider.TurnResponse{Model: resp.ModelVersion, Content: resp.Text()}, nil
}
