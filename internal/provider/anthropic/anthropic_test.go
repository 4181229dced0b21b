// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package anthropic_test

import (
	"encoding/json"
	"testing"

	"github.com/sigil-dev/loopback/internal/provider"
	"github.com/sigil-dev/loopback/internal/provider/anthropic"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingAPIKey(t *testing.T) {
	_, err := anthropic.New(anthropic.Config{})
	require.Error(t, err)
	assert.True(t, sigilerr.IsInvalidInput(err))
}

func TestBuildParamsImageBlocks(t *testing.T) {
	params, err := anthropic.BuildParams(provider.TurnRequest{
		Model: "claude-sonnet-4-5",
		History: []provider.Message{
			{Role: provider.MessageRoleSystem, Content: "be brief"},
			{Role: provider.MessageRoleUser, Content: "draw"},
		},
		Prompt: provider.Message{Content: "Describe."},
		Vision: provider.VisionPayload{
			Mode: provider.PayloadInline,
			Images: []provider.InlineImage{
				{MIMEType: "image/png", Base64: "AAAA"},
				{MIMEType: "image/webp", Base64: "BBBB"},
			},
		},
	}, 512)
	require.NoError(t, err)

	raw, err := json.Marshal(params)
	require.NoError(t, err)

	var body struct {
		MaxTokens int64 `json:"max_tokens"`
		System    []struct {
			Text string `json:"text"`
		} `json:"system"`
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Type   string `json:"type"`
				Text   string `json:"text"`
				Source struct {
					Type      string `json:"type"`
					MediaType string `json:"media_type"`
					Data      string `json:"data"`
				} `json:"source"`
			} `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))

	assert.Equal(t, int64(512), body.MaxTokens)
	require.Len(t, body.System, 1)
	assert.Equal(t, "be brief", body.System[0].Text)

	require.Len(t, body.Messages, 2)
	last := body.Messages[1]
	require.Len(t, last.Content, 3)
	assert.Equal(t, "image", last.Content[0].Type)
	assert.Equal(t, "AAAA", last.Content[0].Source.Data)
	assert.Equal(t, "image/webp", last.Content[1].Source.MediaType)
	assert.Equal(t, "text", last.Content[2].Type)
	assert.Equal(t, "Describe.", last.Content[2].Text)
}

func TestBuildParamsMapsRoleAliases(t *testing.T) {
	params, err := anthropic.BuildParams(provider.TurnRequest{
		Model: "claude-sonnet-4-5",
		History: []provider.Message{
			{Role: "developer", Content: "be brief"},
			{Role: "function", Content: "tool output"},
			{Role: "critic", Content: "dropped"},
		},
		Prompt: provider.Message{Content: "Describe."},
		Vision: provider.VisionPayload{
			Mode:   provider.PayloadInline,
			Images: []provider.InlineImage{{MIMEType: "image/png", Base64: "AAAA"}},
		},
	}, 0)
	require.NoError(t, err)

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	var body struct {
		System []struct {
			Text string `json:"text"`
		} `json:"system"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))

	require.Len(t, body.System, 1)
	assert.Equal(t, "be brief", body.System[0].Text)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "user", body.Messages[0].Role)
	assert.Equal(t, "user", body.Messages[1].Role)
}

func TestBuildParamsRejectsReferenceMode(t *testing.T) {
	_, err := anthropic.BuildParams(provider.TurnRequest{Vision: provider.VisionPayload{Mode: provider.PayloadReference}}, 0)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeProviderModeUnsupported))
}

func TestCapabilities(t *testing.T) {
	p, err := anthropic.New(anthropic.Config{APIKey: "sk-ant"})
	require.NoError(t, err)
	assert.Equal(t, provider.PayloadInline, p.PayloadMode())

	caps, ok := p.Capabilities("claude-sonnet-4-5")
	require.True(t, ok)
	assert.True(t, caps.SupportsVision)
}
