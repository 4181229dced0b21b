// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback

import (
	"time"

	"github.com/sigil-dev/loopback/internal/store"
)

// Reason names why a tool result is ineligible.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonDisabled           Reason = "disabled"
	ReasonCredentialMissing  Reason = "credential_missing"
	ReasonAlreadyDone        Reason = "already_done"
	ReasonInProgress         Reason = "in_progress"
	ReasonPreviousFailed     Reason = "previous_attempt_failed"
	ReasonToolNotAllowed     Reason = "tool_not_allowed"
	ReasonNoQualifyingImages Reason = "no_qualifying_images"
	ReasonNotVisionCapable   Reason = "model_not_vision_capable"
)

// CapabilityLookup answers whether a model accepts image input. Unknown
// models must report false.
type CapabilityLookup interface {
	VisionCapable(model string) bool
}

// CapabilityFunc adapts a function to CapabilityLookup.
type CapabilityFunc func(model string) bool

func (f CapabilityFunc) VisionCapable(model string) bool { return f(model) }

// Discards counts images dropped by the gate, by filter.
type Discards struct {
	MIME  int `json:"mime"`
	Empty int `json:"empty"`
	Size  int `json:"size"`
	Cap   int `json:"cap"`
}

// Total returns the number of dropped images.
func (d Discards) Total() int { return d.MIME + d.Empty + d.Size + d.Cap }

// Decision is the gate's verdict. Selected is in original order and is only
// set when Eligible is true.
type Decision struct {
	Eligible bool
	Reason   Reason
	Selected []ImagePayload
	Discards Discards
}

func ineligible(reason Reason, d Discards) Decision {
	return Decision{Reason: reason, Discards: d}
}

// GateInput is what the gate looks at for one tool result.
type GateInput struct {
	Result ToolResult
	Marker store.TurnMarker
	Model  string
	// StaleBefore is the claim cutoff. A pending marker written before it
	// is treated as absent. Zero keeps every pending marker in progress.
	StaleBefore time.Time
}

// Evaluate runs the ordered eligibility checks. It has no side effects and
// stops at the first failing check.
func Evaluate(in GateInput, cfg Config, caps CapabilityLookup) Decision {
	if !cfg.Enabled {
		return ineligible(ReasonDisabled, Discards{})
	}
	if cfg.Credential == "" {
		return ineligible(ReasonCredentialMissing, Discards{})
	}

	switch in.Marker.State {
	case store.MarkerDone:
		return ineligible(ReasonAlreadyDone, Discards{})
	case store.MarkerPending:
		if !in.Marker.StalePending(in.StaleBefore) {
			return ineligible(ReasonInProgress, Discards{})
		}
	case store.MarkerFailed:
		return ineligible(ReasonPreviousFailed, Discards{})
	}

	if !cfg.toolAllowed(in.Result.ToolName) {
		return ineligible(ReasonToolNotAllowed, Discards{})
	}

	var d Discards
	selected := make([]ImagePayload, 0, len(in.Result.Images))
	for _, img := range in.Result.Images {
		mt := NormalizeMIME(img.MIMEType)
		if mt == "" {
			mt = SniffMIME(img.Data)
		}
		if !cfg.mimeAllowed(mt) {
			d.MIME++
			continue
		}
		if img.Size <= 0 && len(img.Data) == 0 {
			d.Empty++
			continue
		}
		if img.Size > cfg.MaxBytes || int64(len(img.Data)) > cfg.MaxBytes {
			d.Size++
			continue
		}
		img.MIMEType = mt
		if img.Size <= 0 {
			img.Size = int64(len(img.Data))
		}
		selected = append(selected, img)
	}

	if cfg.MaxImages >= 0 && len(selected) > cfg.MaxImages {
		d.Cap = len(selected) - cfg.MaxImages
		selected = selected[:cfg.MaxImages]
	}
	if len(selected) == 0 {
		return ineligible(ReasonNoQualifyingImages, d)
	}

	if caps == nil || !caps.VisionCapable(in.Model) {
		return ineligible(ReasonNotVisionCapable, d)
	}

	return Decision{Eligible: true, Selected: selected, Discards: d}
}
