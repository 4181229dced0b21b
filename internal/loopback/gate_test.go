// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback_test

import (
	"testing"
	"time"

	"github.com/sigil-dev/loopback/internal/loopback"
	"github.com/sigil-dev/loopback/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gate(result loopback.ToolResult, marker store.TurnMarker, cfg loopback.Config, caps loopback.CapabilityLookup) loopback.Decision {
	return loopback.Evaluate(loopback.GateInput{Result: result, Marker: marker, Model: "llava"}, cfg, caps)
}

func TestGateSinglePNGIsEligible(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxBytes = 8388608
	cfg.MaxImages = 2

	d := gate(imageResult(loopback.NewImage(pngOf(2_000_000, 1), "image/png")), store.TurnMarker{}, cfg, visionAll())

	require.True(t, d.Eligible)
	assert.Equal(t, loopback.ReasonNone, d.Reason)
	assert.Len(t, d.Selected, 1)
	assert.Zero(t, d.Discards.Total())
}

func TestGateOversizedImageDiscarded(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxBytes = 8388608

	d := gate(imageResult(loopback.NewImage(pngOf(10_000_000, 1), "image/png")), store.TurnMarker{}, cfg, visionAll())

	assert.False(t, d.Eligible)
	assert.Equal(t, loopback.ReasonNoQualifyingImages, d.Reason)
	assert.Equal(t, 1, d.Discards.Size)
}

func TestGateToolNotAllowed(t *testing.T) {
	cfg := enabledConfig()
	cfg.AllowedTools = []string{"generate_image"}

	result := loopback.ToolResult{
		ToolName: "web_search",
		Images:   []loopback.ImagePayload{loopback.NewImage(pngOf(100, 1), "image/png")},
	}
	d := gate(result, store.TurnMarker{}, cfg, visionAll())

	assert.False(t, d.Eligible)
	assert.Equal(t, loopback.ReasonToolNotAllowed, d.Reason)
}

func TestGateModelNotVisionCapable(t *testing.T) {
	d := gate(imageResult(loopback.NewImage(pngOf(100, 1), "image/png")), store.TurnMarker{}, enabledConfig(), visionNone())

	assert.False(t, d.Eligible)
	assert.Equal(t, loopback.ReasonNotVisionCapable, d.Reason)
}

func TestGateCapKeepsFirstImage(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxImages = 1

	first := loopback.NewImage(pngOf(100, 1), "image/png")
	second := loopback.NewImage(pngOf(100, 2), "image/png")
	d := gate(imageResult(first, second), store.TurnMarker{}, cfg, visionAll())

	require.True(t, d.Eligible)
	require.Len(t, d.Selected, 1)
	assert.Equal(t, first.Data, d.Selected[0].Data)
	assert.Equal(t, 1, d.Discards.Cap)
}

func TestGateDisabledAlwaysIneligible(t *testing.T) {
	results := []loopback.ToolResult{
		imageResult(loopback.NewImage(pngOf(100, 1), "image/png")),
		imageResult(),
		{ToolName: "web_search"},
		{},
	}
	markers := []store.MarkerState{store.MarkerAbsent, store.MarkerDone, store.MarkerPending}

	cfg := enabledConfig()
	cfg.Enabled = false
	for _, r := range results {
		for _, m := range markers {
			d := gate(r, store.TurnMarker{State: m}, cfg, visionAll())
			assert.False(t, d.Eligible)
			assert.Equal(t, loopback.ReasonDisabled, d.Reason)
		}
	}
}

func TestGateCredentialMissing(t *testing.T) {
	cfg := enabledConfig()
	cfg.Credential = ""

	d := gate(imageResult(loopback.NewImage(pngOf(100, 1), "image/png")), store.TurnMarker{}, cfg, visionAll())
	assert.Equal(t, loopback.ReasonCredentialMissing, d.Reason)
}

func TestGateMarkerStates(t *testing.T) {
	tests := []struct {
		state store.MarkerState
		want  loopback.Reason
	}{
		{store.MarkerDone, loopback.ReasonAlreadyDone},
		{store.MarkerPending, loopback.ReasonInProgress},
		{store.MarkerFailed, loopback.ReasonPreviousFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			d := gate(imageResult(loopback.NewImage(pngOf(100, 1), "image/png")), store.TurnMarker{State: tt.state}, enabledConfig(), visionAll())
			assert.False(t, d.Eligible)
			assert.Equal(t, tt.want, d.Reason)
		})
	}
}

func TestGatePendingMarkerLease(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	result := imageResult(loopback.NewImage(pngOf(100, 1), "image/png"))
	tests := []struct {
		name        string
		updatedAt   time.Time
		staleBefore time.Time
		eligible    bool
	}{
		{"live claim", now, now.Add(-time.Minute), false},
		{"abandoned claim", now.Add(-2 * time.Minute), now.Add(-time.Minute), true},
		{"no cutoff", now.Add(-time.Hour), time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := loopback.GateInput{
				Result:      result,
				Marker:      store.TurnMarker{State: store.MarkerPending, UpdatedAt: tt.updatedAt},
				Model:       "llava",
				StaleBefore: tt.staleBefore,
			}
			d := loopback.Evaluate(in, enabledConfig(), visionAll())
			assert.Equal(t, tt.eligible, d.Eligible)
			if !tt.eligible {
				assert.Equal(t, loopback.ReasonInProgress, d.Reason)
			}
		})
	}
}

func TestGateDoneMarkerBeatsEverything(t *testing.T) {
	tools := []string{"generate_image", "web_search", ""}
	for _, tool := range tools {
		result := loopback.ToolResult{ToolName: tool, Images: []loopback.ImagePayload{loopback.NewImage(pngOf(100, 1), "image/png")}}
		d := gate(result, store.TurnMarker{State: store.MarkerDone}, enabledConfig(), visionAll())
		assert.Equal(t, loopback.ReasonAlreadyDone, d.Reason, "tool %q", tool)
	}
}

func TestGateMIMEDroppedBeforeCap(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxImages = 2

	gif := loopback.NewImage([]byte("GIF89a-----"), "image/gif")
	a := loopback.NewImage(pngOf(100, 1), "image/png")
	b := loopback.NewImage(pngOf(100, 2), "IMAGE/PNG; charset=binary")
	c := loopback.NewImage(pngOf(100, 3), "image/png")

	d := gate(imageResult(gif, a, b, c), store.TurnMarker{}, cfg, visionAll())

	require.True(t, d.Eligible)
	require.Len(t, d.Selected, 2)
	assert.Equal(t, a.Data, d.Selected[0].Data)
	assert.Equal(t, b.Data, d.Selected[1].Data)
	assert.Equal(t, "image/png", d.Selected[1].MIMEType, "MIME types are normalized")
	assert.Equal(t, loopback.Discards{MIME: 1, Cap: 1}, d.Discards)
}

func TestGateSniffsMissingMIME(t *testing.T) {
	img := loopback.ImagePayload{Data: pngOf(64, 1), Size: 64}
	d := gate(imageResult(img), store.TurnMarker{}, enabledConfig(), visionAll())

	require.True(t, d.Eligible)
	assert.Equal(t, "image/png", d.Selected[0].MIMEType)
}

func TestGateSelectionCountProperty(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxBytes = 500

	for maxImages := 1; maxImages <= 4; maxImages++ {
		cfg.MaxImages = maxImages
		var images []loopback.ImagePayload
		allowed := 0
		for i := 0; i < 6; i++ {
			size := 100
			if i%3 == 2 {
				size = 1000
			} else {
				allowed++
			}
			images = append(images, loopback.NewImage(pngOf(size, byte(i)), "image/png"))
		}

		d := gate(imageResult(images...), store.TurnMarker{}, cfg, visionAll())
		require.True(t, d.Eligible)
		assert.Len(t, d.Selected, min(allowed, maxImages))

		// Relative order is preserved.
		last := -1
		for _, sel := range d.Selected {
			idx := int(sel.Data[len(pngHeader)])
			assert.Greater(t, idx, last)
			last = idx
		}
	}
}

func TestGateEmptyImagesDropped(t *testing.T) {
	d := gate(imageResult(loopback.ImagePayload{MIMEType: "image/png", URL: "https://example.com/a.png"}), store.TurnMarker{}, enabledConfig(), visionAll())
	assert.Equal(t, loopback.ReasonNoQualifyingImages, d.Reason)
	assert.Equal(t, 1, d.Discards.Empty)
}

func TestGateNilLookupIsNotVisionCapable(t *testing.T) {
	d := gate(imageResult(loopback.NewImage(pngOf(100, 1), "image/png")), store.TurnMarker{}, enabledConfig(), nil)
	assert.Equal(t, loopback.ReasonNotVisionCapable, d.Reason)
}
