// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package anthropic

import (
	"context"
	"log/slog"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sigil-dev/loopback/internal/provider"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

const defaultMaxTokens = 1024

// Config holds Anthropic provider configuration.
type Config struct {
	APIKey    string
	BaseURL   string // optional, useful for testing against a mock server
	MaxTokens int64
	Timeout   time.Duration
}

// Provider implements provider.Provider using the Messages API. Images
// travel as base64 image blocks ahead of the prompt text.
type Provider struct {
	client    anthropicsdk.Client
	maxTokens int64
	caps      *provider.CapabilityTable
}

var _ provider.Provider = (*Provider)(nil)

// New creates an Anthropic provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, sigilerr.New(sigilerr.CodeProviderRequestInvalid, "anthropic: missing api_key in config", sigilerr.FieldProvider("anthropic"))
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Provider{
		client:    anthropicsdk.NewClient(opts...),
		maxTokens: maxTokens,
		caps:      provider.NewCapabilityTable(knownModels()),
	}, nil
}

func (p *Provider) Name() string { return "anthropic" }

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
		"claude-opus-4-1":   vision,
		"claude-sonnet-4-5": vision,
		"claude-sonnet-4-0": vision,
		"claude-haiku-4-5":  vision,
		"claude-3-5-haiku":  vision,
	}
}

// buildParams converts a follow-up turn into MessageNewParams.
func buildParams(req provider.TurnRequest, maxTokens int64) (anthropicsdk.MessageNewParams, error) {
	if req.Vision.Mode != provider.PayloadInline {
		return anthropicsdk.MessageNewParams{}, sigilerr.Errorf(sigilerr.CodeProviderModeUnsupported, "anthropic: payload mode %q not supported", req.Vision.Mode)
	}

	var system []string
	msgs := make([]anthropicsdk.MessageParam, 0, len(req.History)+1)
	for _, msg := range req.History {
		role, ok := provider.CanonicalRole(msg.Role)
		if !ok {
			slog.Debug("anthropic: skipping message with unknown role", "role", msg.Role)
			continue
		}
		switch role {
		case provider.MessageRoleUser, provider.MessageRoleTool:
			msgs = append(msgs, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content)))
		case provider.MessageRoleAssistant:
			msgs = append(msgs, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content)))
		case provider.MessageRoleSystem:
			system = append(system, msg.Content)
		}
	}

	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(req.Vision.Images)+1)
	for _, img := range req.Vision.Images {
		blocks = append(blocks, anthropicsdk.NewImageBlockBase64(img.MIMEType, img.Base64))
	}
	blocks = append(blocks, anthropicsdk.NewTextBlock(req.Prompt.Content))
	msgs = append(msgs, anthropicsdk.NewUserMessage(blocks...))

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = []anthropicsdk.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	return params, nil
}

func (p *Provider) SubmitTurn(ctx context.Context, req provider.TurnRequest) (*provider.TurnResponse, error) {
	params, err := buildParams(req, p.maxTokens)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderUpstreamFailure, "anthropic: creating message")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &provider.TurnResponse{Model: string(msg.Model), Content: text.String()}, nil
}
