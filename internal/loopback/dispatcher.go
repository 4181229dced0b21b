// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback

import (
	"context"
	"strings"
	"text/template"

	"github.com/sigil-dev/loopback/internal/provider"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
	"github.com/sigil-dev/loopback/pkg/health"
)

// Router resolves a model reference to the provider serving it.
type Router interface {
	Route(modelRef string) (provider.Provider, string, error)
}

// PromptData is the data available to the prompt template.
type PromptData struct {
	Tool       string
	ImageCount int
	Model      string
}

// RenderPrompt executes tmpl against data. A template that does not parse
// or execute is used verbatim.
func RenderPrompt(tmpl string, data PromptData) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	t, err := template.New("prompt").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return tmpl
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return tmpl
	}
	return b.String()
}

// Dispatcher submits the system-triggered follow-up turn.
type Dispatcher struct {
	router Router
	health *health.Tracker
}

// NewDispatcher creates a Dispatcher that routes through router. tracker
// may be nil.
func NewDispatcher(router Router, tracker *health.Tracker) *Dispatcher {
	return &Dispatcher{router: router, health: tracker}
}

// Mode returns the payload mode of the provider serving model.
func (d *Dispatcher) Mode(model string) (provider.PayloadMode, error) {
	p, _, err := d.router.Route(model)
	if err != nil {
		return "", err
	}
	return p.PayloadMode(), nil
}

// Dispatch appends the rendered prompt to the turn history and submits it
// with the vision payload. The turn is flagged system triggered so the
// backend neither offers tools nor re-runs them.
func (d *Dispatcher) Dispatch(ctx context.Context, payload provider.VisionPayload, prompt string, turn Turn, token string) (*provider.TurnResponse, error) {
	p, model, err := d.router.Route(turn.Model)
	if err != nil {
		return nil, sigilerr.Reclassify(err, sigilerr.CodeLoopbackDispatchFailure, "routing follow-up", sigilerr.FieldModel(turn.Model))
	}

	req := provider.TurnRequest{
		Model:   model,
		ChatID:  turn.ChatID,
		TurnID:  turn.ID,
		History: turn.History,
		Prompt: provider.Message{
			Role:     provider.MessageRoleUser,
			Content:  prompt,
			Metadata: map[string]any{provider.MetadataLoopbackDone: true},
		},
		Vision: payload,
		Flags:  provider.TurnFlags{SystemTriggered: true},
		Token:  token,
	}

	resp, err := p.SubmitTurn(ctx, req)
	d.record(p.Name(), err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxError(ctx, "dispatching follow-up")
		}
		return nil, sigilerr.Reclassify(err, sigilerr.CodeLoopbackDispatchFailure, "dispatching follow-up",
			sigilerr.FieldProvider(p.Name()), sigilerr.FieldModel(model))
	}
	return resp, nil
}

func (d *Dispatcher) record(backend string, err error) {
	if d.health == nil {
		return
	}
	if err != nil {
		d.health.RecordFailure(backend)
		return
	}
	d.health.RecordSuccess(backend)
}
