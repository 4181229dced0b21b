// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package openai

import (
	"context"
	"log/slog"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/sigil-dev/loopback/internal/provider"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// Config holds OpenAI provider configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
	Timeout time.Duration
}

// Provider implements provider.Provider using the Chat Completions API.
// Images travel as data-URI image_url content parts.
type Provider struct {
	name   string
	client openaisdk.Client
	caps   *provider.CapabilityTable
}

var _ provider.Provider = (*Provider)(nil)

// New creates an OpenAI provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	return newProvider("openai", cfg, openAIModels())
}

// NewOpenRouter creates a provider for OpenRouter's OpenAI-compatible API.
func NewOpenRouter(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = openRouterBaseURL
	}
	return newProvider("openrouter", cfg, openRouterModels())
}

func newProvider(name string, cfg Config, known map[string]provider.ModelCapabilities) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, sigilerr.New(sigilerr.CodeProviderRequestInvalid, name+": missing api_key in config", sigilerr.FieldProvider(name))
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

	return &Provider{
		name:   name,
		client: openaisdk.NewClient(opts...),
		caps:   provider.NewCapabilityTable(known),
	}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) PayloadMode() provider.PayloadMode { return provider.PayloadInline }

func (p *Provider) Capabilities(model string) (provider.ModelCapabilities, bool) {
	return p.caps.Lookup(model)
}

// CapabilityTable exposes the table for configuration overrides.
func (p *Provider) CapabilityTable() *provider.CapabilityTable { return p.caps }

func (p *Provider) Close() error { return nil }

func openAIModels() map[string]provider.ModelCapabilities {
	vision := provider.ModelCapabilities{SupportsTools: true, SupportsVision: true}
	return map[string]provider.ModelCapabilities{
		"gpt-4.1":      vision,
		"gpt-4.1-mini": vision,
		"gpt-4o":       vision,
		"gpt-4o-mini":  vision,
		"gpt-4.1-nano": {SupportsTools: true},
		"o3":           vision,
		"o4-mini":      vision,
	}
}

func openRouterModels() map[string]provider.ModelCapabilities {
	vision := provider.ModelCapabilities{SupportsTools: true, SupportsVision: true}
	return map[string]provider.ModelCapabilities{
		"anthropic/claude-sonnet-4-5": vision,
		"openai/gpt-4.1":              vision,
		"google/gemini-2.5-flash":     vision,
		"meta-llama/llama-3.3-70b":    {SupportsTools: true},
	}
}

// buildParams converts a follow-up turn into Chat Completions params. Tools
// are never set: follow-up turns are system triggered.
func buildParams(req provider.TurnRequest) (openaisdk.ChatCompletionNewParams, error) {
	if req.Vision.Mode != provider.PayloadInline {
		return openaisdk.ChatCompletionNewParams{}, sigilerr.Errorf(sigilerr.CodeProviderModeUnsupported, "openai: payload mode %q not supported", req.Vision.Mode)
	}

	msgs := convertMessages(req.History)

	parts := make([]openaisdk.ChatCompletionContentPartUnionParam, 0, len(req.Vision.Images)+1)
	parts = append(parts, openaisdk.TextContentPart(req.Prompt.Content))
	for _, img := range req.Vision.Images {
		parts = append(parts, openaisdk.ImageContentPart(openaisdk.ChatCompletionContentPartImageImageURLParam{
			URL: "data:" + img.MIMEType + ";base64," + img.Base64,
		}))
	}
	msgs = append(msgs, openaisdk.UserMessage(parts))

	return openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: msgs,
	}, nil
}

func convertMessages(msgs []provider.Message) []openaisdk.ChatCompletionMessageParamUnion {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	for _, msg := range msgs {
		role, ok := provider.CanonicalRole(msg.Role)
		if !ok {
			slog.Debug("openai: skipping message with unknown role", "role", msg.Role)
			continue
		}
		switch role {
		case provider.MessageRoleUser:
			result = append(result, openaisdk.UserMessage(msg.Content))
		case provider.MessageRoleAssistant:
			result = append(result, openaisdk.AssistantMessage(msg.Content))
		case provider.MessageRoleSystem:
			result = append(result, openaisdk.SystemMessage(msg.Content))
		case provider.MessageRoleTool:
			// Tool transcripts are flattened; follow-up turns carry no tool calls.
			result = append(result, openaisdk.UserMessage(msg.Content))
		}
	}
	return result
}

func (p *Provider) SubmitTurn(ctx context.Context, req provider.TurnRequest) (*provider.TurnResponse, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderUpstreamFailure, "%s: chat completion", p.name)
	}
	if len(resp.Choices) == 0 {
		return nil, sigilerr.New(sigilerr.CodeProviderResponseInvalid, p.name+": response has no choices", sigilerr.FieldModel(req.Model))
	}

	return &provider.TurnResponse{
		Model:   resp.Model,
		Content: resp.Choices[0].Message.Content,
	}, nil
}
