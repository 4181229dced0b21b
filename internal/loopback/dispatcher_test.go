// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sigil-dev/loopback/internal/loopback"
	"github.com/sigil-dev/loopback/internal/provider"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
	"github.com/sigil-dev/loopback/pkg/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPrompt(t *testing.T) {
	data := loopback.PromptData{Tool: "generate_image", ImageCount: 2, Model: "llava"}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain", "Describe the image.", "Describe the image."},
		{"template", "Describe the {{.ImageCount}} images from {{.Tool}}.", "Describe the 2 images from generate_image."},
		{"broken template", "Describe {{.ImageCount", "Describe {{.ImageCount"},
		{"unknown field", "Describe {{.Nope}}", "Describe {{.Nope}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, loopback.RenderPrompt(tt.tmpl, data))
		})
	}
}

func TestDispatchMarksSystemTriggered(t *testing.T) {
	p := &fakeProvider{mode: provider.PayloadInline}
	reg := provider.NewRegistry()
	reg.Register("fake", p)
	reg.SetDefault("fake")

	payload := provider.VisionPayload{Mode: provider.PayloadInline, Images: []provider.InlineImage{{Base64: "AAAA"}}}
	turn := turnFor("chat-1:m1")

	tracker := health.NewTracker(0)
	resp, err := loopback.NewDispatcher(reg, tracker).Dispatch(context.Background(), payload, "Describe.", turn, "tok")
	require.NoError(t, err)
	assert.Equal(t, "described", resp.Content)
	assert.Equal(t, int64(1), tracker.Snapshot()["fake"].Successes)

	reqs := p.submitted()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.True(t, req.Flags.SystemTriggered)
	assert.Equal(t, "Describe.", req.Prompt.Content)
	assert.Equal(t, provider.MessageRoleUser, req.Prompt.Role)
	assert.Equal(t, true, req.Prompt.Metadata[provider.MetadataLoopbackDone])
	assert.Equal(t, turn.History, req.History)
	assert.Equal(t, "chat-1", req.ChatID)
	assert.Equal(t, "tok", req.Token)
	assert.Equal(t, 1, req.Vision.Len())
}

func TestDispatchFailure(t *testing.T) {
	p := &fakeProvider{mode: provider.PayloadInline}
	p.setErr(errors.New("503"))
	reg := provider.NewRegistry()
	reg.Register("fake", p)
	reg.SetDefault("fake")

	tracker := health.NewTracker(1)
	_, err := loopback.NewDispatcher(reg, tracker).Dispatch(context.Background(), provider.VisionPayload{}, "x", turnFor("t"), "")
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeLoopbackDispatchFailure))
	assert.False(t, tracker.Snapshot()["fake"].Available)
}

func TestDispatchUnroutable(t *testing.T) {
	_, err := loopback.NewDispatcher(provider.NewRegistry(), nil).Dispatch(context.Background(), provider.VisionPayload{}, "x", turnFor("t"), "")
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeLoopbackDispatchFailure))
}
