// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"

	"github.com/sigil-dev/loopback/internal/loopback"
	"github.com/sigil-dev/loopback/internal/store"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
	"github.com/sigil-dev/loopback/pkg/health"
)

// Engine is the loopback pipeline as the routes use it.
type Engine interface {
	ProcessAll(ctx context.Context, cfg loopback.Config, turn loopback.Turn, results []loopback.ToolResult) []loopback.Outcome
	Evaluate(ctx context.Context, cfg loopback.Config, turn loopback.Turn, result loopback.ToolResult) (loopback.Decision, error)
	Marker(ctx context.Context, turnID string) (store.TurnMarker, error)
	Stats() *loopback.Stats
}

// Valves yields the configuration snapshot for one decision about a model.
type Valves interface {
	Snapshot(modelRef string) loopback.Config
}

// ValvesFunc adapts a function to Valves.
type ValvesFunc func(modelRef string) loopback.Config

func (f ValvesFunc) Snapshot(modelRef string) loopback.Config { return f(modelRef) }

// PipelineInfo is reported on the valves endpoint so the host can place the
// filter.
type PipelineInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Pipelines []string `json:"pipelines"`
	Priority  int      `json:"priority"`
}

// Services holds dependencies injected into route handlers. Use NewServices
// to ensure the required ones are set.
type Services struct {
	engine   Engine
	valves   Valves
	history  store.ChatHistory
	pipeline PipelineInfo
	health   *health.Tracker
}

// NewServices creates a Services instance. tracker may be nil.
func NewServices(engine Engine, valves Valves, history store.ChatHistory, pipeline PipelineInfo, tracker *health.Tracker) (*Services, error) {
	if engine == nil {
		return nil, sigilerr.New(sigilerr.CodeServerConfigInvalid, "loopback engine is required")
	}
	if valves == nil {
		return nil, sigilerr.New(sigilerr.CodeServerConfigInvalid, "valve source is required")
	}
	if history == nil {
		return nil, sigilerr.New(sigilerr.CodeServerConfigInvalid, "chat history is required")
	}
	if pipeline.ID == "" {
		pipeline.ID = "image_loopback"
	}
	if pipeline.Name == "" {
		pipeline.Name = "Image Loopback"
	}
	if pipeline.Type == "" {
		pipeline.Type = "filter"
	}
	if len(pipeline.Pipelines) == 0 {
		pipeline.Pipelines = []string{"*"}
	}
	return &Services{engine: engine, valves: valves, history: history, pipeline: pipeline, health: tracker}, nil
}
