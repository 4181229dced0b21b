// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sigil-dev/loopback/internal/loopback"
	"github.com/sigil-dev/loopback/internal/store"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
	"github.com/sigil-dev/loopback/pkg/health"
)

// maxFilterBody bounds filter request bodies. They carry base64 images.
const maxFilterBody = 64 << 20

// StateHeader reports the loopback outcome of an outlet call.
const StateHeader = "X-Loopback-State"

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, s.handleHealth)

	// Filter hooks
	huma.Register(s.api, huma.Operation{
		OperationID:  "filter-inlet",
		Method:       http.MethodPost,
		Path:         "/inlet",
		Summary:      "Inlet filter hook; returns the body unchanged",
		Tags:         []string{"filter"},
		MaxBodyBytes: maxFilterBody,
	}, s.handleInlet)

	huma.Register(s.api, huma.Operation{
		OperationID:  "filter-outlet",
		Method:       http.MethodPost,
		Path:         "/outlet",
		Summary:      "Outlet filter hook; loops tool images back to the model",
		Tags:         []string{"filter"},
		MaxBodyBytes: maxFilterBody,
	}, s.handleOutlet)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-valves",
		Method:      http.MethodGet,
		Path:        "/valves",
		Summary:     "Effective valves and pipeline placement",
		Tags:        []string{"filter"},
	}, s.handleValves)

	// Operator endpoints
	huma.Register(s.api, huma.Operation{
		OperationID:  "evaluate",
		Method:       http.MethodPost,
		Path:         "/api/v1/loopback/evaluate",
		Summary:      "Dry-run the eligibility gate for an outlet body",
		Tags:         []string{"loopback"},
		MaxBodyBytes: maxFilterBody,
	}, s.handleEvaluate)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-turn",
		Method:      http.MethodGet,
		Path:        "/api/v1/loopback/turns/{id}",
		Summary:     "Marker state and synthesized attachments of a turn",
		Tags:        []string{"loopback"},
	}, s.handleGetTurn)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/api/v1/loopback/stats",
		Summary:     "Loopback counters",
		Tags:        []string{"loopback"},
	}, s.handleStats)
}

// --- Request/Response types for huma ---

type healthOutput struct {
	Body struct {
		Status   string                    `json:"status" example:"ok" doc:"Health status"`
		Backends map[string]health.Metrics `json:"backends,omitempty" doc:"Follow-up outcomes per model backend"`
	}
}

type filterInput struct {
	RawBody []byte
}

type filterOutput struct {
	ContentType string `header:"Content-Type"`
	State       string `header:"X-Loopback-State"`
	Body        []byte
}

type valvesInput struct {
	Model string `query:"model" doc:"Apply this model's overrides"`
}

// ValveView is the operator-facing valve set. The credential itself is
// never returned.
type ValveView struct {
	Enable           bool     `json:"enable"`
	AllowedTools     []string `json:"allowed_tools"`
	AllowedMIMETypes []string `json:"allowed_mime_types"`
	MaxBytes         int64    `json:"max_bytes"`
	MaxImages        int      `json:"max_images"`
	AutoPrompt       string   `json:"auto_prompt"`
	AllowURLFetch    bool     `json:"allow_url_fetch"`
	BaseURL          string   `json:"base_url"`
	CredentialSet    bool     `json:"credential_set"`
	FailurePolicy    string   `json:"failure_policy"`
	Timeout          string   `json:"timeout"`
}

type valvesOutput struct {
	Body struct {
		Pipeline PipelineInfo `json:"pipeline"`
		Valves   ValveView    `json:"valves"`
	}
}

// DecisionView is one gate decision in an evaluate response.
type DecisionView struct {
	Tool     string            `json:"tool"`
	Eligible bool              `json:"eligible"`
	Reason   loopback.Reason   `json:"reason,omitempty"`
	Selected int               `json:"selected"`
	Discards loopback.Discards `json:"discards"`
}

type evaluateOutput struct {
	Body struct {
		TurnID       string         `json:"turn_id"`
		Model        string         `json:"model"`
		LoopbackDone bool           `json:"loopback_done"`
		Decisions    []DecisionView `json:"decisions"`
	}
}

type turnInput struct {
	ID string `path:"id"`
}

type turnOutput struct {
	Body struct {
		TurnID      string              `json:"turn_id"`
		State       string              `json:"state"`
		UpdatedAt   *time.Time          `json:"updated_at,omitempty"`
		Attachments []*store.Attachment `json:"attachments"`
	}
}

type statsOutput struct {
	Body loopback.StatsSnapshot
}

// --- Handlers ---

func (s *Server) handleHealth(_ context.Context, _ *struct{}) (*healthOutput, error) {
	out := &healthOutput{}
	out.Body.Status = "ok"
	if s.services.health != nil {
		out.Body.Backends = s.services.health.Snapshot()
		if !s.services.health.Healthy() {
			out.Body.Status = "degraded"
		}
	}
	return out, nil
}

func (s *Server) handleInlet(_ context.Context, in *filterInput) (*filterOutput, error) {
	return passthrough(in.RawBody, ""), nil
}

// handleOutlet never fails the caller: whatever happens to the loopback,
// the original body goes back.
func (s *Server) handleOutlet(ctx context.Context, in *filterInput) (*filterOutput, error) {
	env, err := loopback.ParseOutlet(in.RawBody)
	if err != nil {
		slog.Debug("outlet body not understood, passing through", "error", err)
		return passthrough(in.RawBody, string(loopback.StatePassthrough)), nil
	}
	if len(env.Results) == 0 {
		return passthrough(in.RawBody, string(loopback.StatePassthrough)), nil
	}

	cfg := s.services.valves.Snapshot(env.Turn.Model)
	state := loopback.StatePassthrough
	for _, o := range s.services.engine.ProcessAll(ctx, cfg, env.Turn, env.Results) {
		if o.State == loopback.StateDone {
			state = loopback.StateDone
		}
	}
	return passthrough(in.RawBody, string(state)), nil
}

func passthrough(body []byte, state string) *filterOutput {
	return &filterOutput{ContentType: "application/json", State: state, Body: body}
}

func (s *Server) handleValves(_ context.Context, in *valvesInput) (*valvesOutput, error) {
	cfg := s.services.valves.Snapshot(in.Model)
	out := &valvesOutput{}
	out.Body.Pipeline = s.services.pipeline
	out.Body.Valves = ValveView{
		Enable:           cfg.Enabled,
		AllowedTools:     cfg.AllowedTools,
		AllowedMIMETypes: cfg.AllowedMIMETypes,
		MaxBytes:         cfg.MaxBytes,
		MaxImages:        cfg.MaxImages,
		AutoPrompt:       cfg.PromptTemplate,
		AllowURLFetch:    cfg.AllowURLFetch,
		BaseURL:          cfg.BaseURL,
		CredentialSet:    cfg.Credential != "",
		FailurePolicy:    string(cfg.FailurePolicy),
		Timeout:          cfg.Timeout.String(),
	}
	return out, nil
}

func (s *Server) handleEvaluate(ctx context.Context, in *filterInput) (*evaluateOutput, error) {
	env, err := loopback.ParseOutlet(in.RawBody)
	if err != nil {
		return nil, toHumaError("parsing body", err)
	}

	cfg := s.services.valves.Snapshot(env.Turn.Model)
	out := &evaluateOutput{}
	out.Body.TurnID = env.Turn.ID
	out.Body.Model = env.Turn.Model
	out.Body.LoopbackDone = env.Turn.LoopbackDone
	out.Body.Decisions = make([]DecisionView, 0, len(env.Results))
	for _, r := range env.Results {
		d, err := s.services.engine.Evaluate(ctx, cfg, env.Turn, r)
		if err != nil {
			return nil, toHumaError("evaluating", err)
		}
		out.Body.Decisions = append(out.Body.Decisions, DecisionView{
			Tool:     r.ToolName,
			Eligible: d.Eligible,
			Reason:   d.Reason,
			Selected: len(d.Selected),
			Discards: d.Discards,
		})
	}
	return out, nil
}

func (s *Server) handleGetTurn(ctx context.Context, in *turnInput) (*turnOutput, error) {
	marker, err := s.services.engine.Marker(ctx, in.ID)
	if err != nil {
		return nil, toHumaError("reading marker", err)
	}
	atts, err := s.services.history.ListAttachments(ctx, in.ID)
	if err != nil {
		return nil, toHumaError("listing attachments", err)
	}

	out := &turnOutput{}
	out.Body.TurnID = in.ID
	out.Body.State = string(marker.State)
	if marker.State == store.MarkerAbsent {
		out.Body.State = "absent"
	}
	if !marker.UpdatedAt.IsZero() {
		t := marker.UpdatedAt
		out.Body.UpdatedAt = &t
	}
	out.Body.Attachments = atts
	if out.Body.Attachments == nil {
		out.Body.Attachments = []*store.Attachment{}
	}
	return out, nil
}

func (s *Server) handleStats(_ context.Context, _ *struct{}) (*statsOutput, error) {
	return &statsOutput{Body: s.services.engine.Stats().Snapshot()}, nil
}

func toHumaError(msg string, err error) error {
	return huma.NewError(sigilerr.HTTPStatus(err), msg+": "+err.Error(), err)
}
