// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback

import (
	"context"
	"log/slog"
	"time"

	"github.com/sigil-dev/loopback/internal/provider"
	"github.com/sigil-dev/loopback/internal/store"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
	"github.com/sigil-dev/loopback/pkg/health"
)

// State is the terminal state of one tool result.
type State string

const (
	// StatePassthrough returns the tool output unchanged.
	StatePassthrough State = "passthrough"
	// StateDone means the follow-up was dispatched and the turn is marked.
	StateDone State = "done"
)

// Stage names the pipeline step an outcome stopped at.
type Stage string

const (
	StageMarker   Stage = "marker"
	StageGate     Stage = "gate"
	StageRegister Stage = "register"
	StagePayload  Stage = "payload"
	StageClaim    Stage = "claim"
	StageDispatch Stage = "dispatch"
	StageComplete Stage = "complete"
)

// Outcome reports what happened to one tool result. Err is set for step
// failures and is never returned to the caller of the original tool.
type Outcome struct {
	State       State                  `json:"state"`
	Stage       Stage                  `json:"stage"`
	Reason      Reason                 `json:"reason,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Code        sigilerr.Code          `json:"code,omitempty"`
	Discards    Discards               `json:"discards"`
	Selected    int                    `json:"selected"`
	Uploaded    int                    `json:"uploaded"`
	Deduped     int                    `json:"deduped"`
	Dropped     int                    `json:"dropped"`
	Attachments []*store.Attachment    `json:"attachments,omitempty"`
	Response    *provider.TurnResponse `json:"response,omitempty"`
	Err         error                  `json:"-"`
}

func (o Outcome) withErr(err error) Outcome {
	o.Err = err
	if err != nil {
		o.Error = err.Error()
		o.Code = sigilerr.CodeOf(err)
	}
	return o
}

// Options wires an Engine.
type Options struct {
	Markers      store.MarkerStore
	History      store.ChatHistory
	Files        store.FileStore
	Router       Router
	Capabilities CapabilityLookup
	// Fetcher is used only when a snapshot allows URL fetch.
	Fetcher *Fetcher
	// FileURL maps file ids to UI URLs on synthesized attachments.
	FileURL func(fileID string) string
	Now     func() time.Time
	// Health, when set, records follow-up outcomes per backend.
	Health *health.Tracker
}

// Engine runs the loopback pipeline for tool results.
type Engine struct {
	markers    store.MarkerStore
	history    store.ChatHistory
	registrar  *Registrar
	builder    *PayloadBuilder
	dispatcher *Dispatcher
	caps       CapabilityLookup
	fetcher    *Fetcher
	synth      Synthesizer
	stats      *Stats
	now        func() time.Time
}

// NewEngine validates opts and creates an Engine.
func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.Markers == nil:
		return nil, sigilerr.New(sigilerr.CodeLoopbackUnconfigured, "engine: marker store is required")
	case opts.History == nil:
		return nil, sigilerr.New(sigilerr.CodeLoopbackUnconfigured, "engine: chat history is required")
	case opts.Files == nil:
		return nil, sigilerr.New(sigilerr.CodeLoopbackUnconfigured, "engine: file store is required")
	case opts.Router == nil:
		return nil, sigilerr.New(sigilerr.CodeLoopbackUnconfigured, "engine: provider router is required")
	case opts.Capabilities == nil:
		return nil, sigilerr.New(sigilerr.CodeLoopbackUnconfigured, "engine: capability lookup is required")
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewFetcher(0, false)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		markers:    opts.Markers,
		history:    opts.History,
		registrar:  NewRegistrar(opts.Files),
		builder:    NewPayloadBuilder(opts.Files),
		dispatcher: NewDispatcher(opts.Router, opts.Health),
		caps:       opts.Capabilities,
		fetcher:    fetcher,
		synth:      Synthesizer{FileURL: opts.FileURL, Now: opts.Now},
		stats:      &Stats{},
		now:        now,
	}, nil
}

// Stats returns the engine counters.
func (e *Engine) Stats() *Stats { return e.stats }

// Marker reads the current marker for turnID.
func (e *Engine) Marker(ctx context.Context, turnID string) (store.TurnMarker, error) {
	return e.markers.GetTurnMarker(ctx, turnID)
}

// Evaluate runs the gate without side effects.
func (e *Engine) Evaluate(ctx context.Context, cfg Config, turn Turn, result ToolResult) (Decision, error) {
	marker, err := e.currentMarker(ctx, turn)
	if err != nil {
		return Decision{}, err
	}
	return Evaluate(GateInput{Result: result, Marker: marker, Model: turn.Model, StaleBefore: e.staleBefore(cfg)}, cfg, e.caps), nil
}

// ProcessAll processes results in order. Once one succeeds, the others see
// the done marker and pass through.
func (e *Engine) ProcessAll(ctx context.Context, cfg Config, turn Turn, results []ToolResult) []Outcome {
	out := make([]Outcome, 0, len(results))
	for _, r := range results {
		out = append(out, e.Process(ctx, cfg, turn, r))
	}
	return out
}

// Process runs the pipeline for one tool result. It never fails: every
// error is absorbed into a passthrough outcome.
func (e *Engine) Process(ctx context.Context, cfg Config, turn Turn, result ToolResult) Outcome {
	log := slog.With("turn_id", turn.ID, "tool", result.ToolName, "model", turn.Model)

	if turn.ID == "" {
		return Outcome{State: StatePassthrough, Stage: StageMarker}.withErr(
			sigilerr.New(sigilerr.CodeStoreInvalidInput, "turn id must not be empty"))
	}

	marker, err := e.currentMarker(ctx, turn)
	if err != nil {
		log.Warn("loopback: reading marker failed", "error", err)
		return Outcome{State: StatePassthrough, Stage: StageMarker}.withErr(err)
	}

	staleBefore := e.staleBefore(cfg)
	in := GateInput{Result: result, Marker: marker, Model: turn.Model, StaleBefore: staleBefore}
	decision := Evaluate(in, cfg, e.caps)
	if cfg.AllowURLFetch && !earlyRejection(decision.Reason) && hasURLOnly(result) {
		in.Result = e.fetchImages(ctx, cfg, result, log)
		decision = Evaluate(in, cfg, e.caps)
	}
	e.stats.recordDecision(decision)

	out := Outcome{State: StatePassthrough, Stage: StageGate, Reason: decision.Reason, Discards: decision.Discards, Selected: len(decision.Selected)}
	if decision.Discards.Total() > 0 {
		log.Warn("loopback: images discarded", "mime", decision.Discards.MIME, "empty", decision.Discards.Empty,
			"size", decision.Discards.Size, "cap", decision.Discards.Cap)
	}
	if !decision.Eligible {
		log.Debug("loopback: gate rejected", "reason", decision.Reason)
		return out
	}

	auth := store.AuthContext{UserID: turn.Auth.UserID, Token: turn.Auth.Token}
	if auth.Token == "" {
		auth.Token = cfg.Credential
	}

	files := e.register(ctx, cfg, decision.Selected, auth, &out, log)
	if len(files) == 0 {
		out.Stage = StageRegister
		return out.withErr(sigilerr.New(sigilerr.CodeLoopbackUploadFailure, "no image could be registered", sigilerr.FieldTurnID(turn.ID)))
	}

	atts := make([]*store.Attachment, len(files))
	for i, f := range files {
		atts[i] = e.synth.Synthesize(f, i)
	}

	payload, err := e.buildPayload(ctx, cfg, turn, files, atts, auth, &out)
	if err != nil {
		log.Warn("loopback: building vision payload failed", "error", err)
		out.Stage = StagePayload
		return out.withErr(err)
	}

	claimed, err := e.markers.ClaimTurn(ctx, turn.ID, staleBefore)
	if err != nil {
		log.Warn("loopback: claiming turn failed", "error", err)
		out.Stage = StageClaim
		return out.withErr(err)
	}
	if !claimed {
		e.stats.update(func(s *StatsSnapshot) { s.ClaimConflicts++ })
		out.Stage = StageClaim
		out.Reason = ReasonInProgress
		if m, err := e.markers.GetTurnMarker(ctx, turn.ID); err == nil && m.State == store.MarkerDone {
			out.Reason = ReasonAlreadyDone
		}
		log.Debug("loopback: turn claimed elsewhere", "reason", out.Reason)
		return out
	}

	// Marker writes after the claim must land even if ctx is canceled, so a
	// timeout never leaves a pending marker behind.
	bg := context.WithoutCancel(ctx)

	prompt := RenderPrompt(cfg.PromptTemplate, PromptData{Tool: result.ToolName, ImageCount: payload.Len(), Model: turn.Model})
	dctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	resp, err := e.dispatcher.Dispatch(dctx, payload, prompt, turn, auth.Token)
	cancel()
	if err != nil {
		e.stats.update(func(s *StatsSnapshot) { s.DispatchFailures++ })
		e.settleFailure(bg, cfg, turn.ID, log)
		log.Warn("loopback: follow-up dispatch failed", "error", err, "policy", cfg.policy())
		out.Stage = StageDispatch
		return out.withErr(err)
	}

	for _, att := range atts {
		if err := e.history.AppendAttachment(bg, turn.ID, att); err != nil {
			log.Warn("loopback: appending attachment failed", "file_id", att.FileID, "error", err)
			continue
		}
		out.Attachments = append(out.Attachments, att)
	}
	if err := e.markers.SetDone(bg, turn.ID); err != nil {
		log.Error("loopback: marking turn done failed", "error", err)
	}

	e.stats.update(func(s *StatsSnapshot) { s.Dispatched++ })
	log.Info("loopback: follow-up dispatched", "images", payload.Len(), "mode", payload.Mode)

	out.State = StateDone
	out.Stage = StageComplete
	out.Response = resp
	return out
}

// staleBefore is the cutoff past which a pending claim is abandoned.
func (e *Engine) staleBefore(cfg Config) time.Time {
	return e.now().Add(-cfg.claimLease())
}

func (e *Engine) currentMarker(ctx context.Context, turn Turn) (store.TurnMarker, error) {
	if turn.LoopbackDone {
		return store.TurnMarker{TurnID: turn.ID, State: store.MarkerDone}, nil
	}
	if turn.ID == "" {
		return store.TurnMarker{}, nil
	}
	return e.markers.GetTurnMarker(ctx, turn.ID)
}

func (e *Engine) register(ctx context.Context, cfg Config, images []ImagePayload, auth store.AuthContext, out *Outcome, log *slog.Logger) []RegisteredFile {
	files := make([]RegisteredFile, 0, len(images))
	for i, img := range images {
		rctx, cancel := context.WithTimeout(ctx, cfg.timeout())
		f, hit, err := e.registrar.Register(rctx, img, auth)
		cancel()
		if err != nil {
			e.stats.update(func(s *StatsSnapshot) { s.UploadFailures++ })
			log.Warn("loopback: image upload failed", "index", i, "error", err)
			continue
		}
		if hit {
			out.Deduped++
			e.stats.update(func(s *StatsSnapshot) { s.DedupHits++ })
		} else {
			out.Uploaded++
			e.stats.update(func(s *StatsSnapshot) { s.Uploads++ })
		}
		files = append(files, f)
	}
	return files
}

func (e *Engine) buildPayload(ctx context.Context, cfg Config, turn Turn, files []RegisteredFile, atts []*store.Attachment, auth store.AuthContext, out *Outcome) (provider.VisionPayload, error) {
	mode, err := e.dispatcher.Mode(turn.Model)
	if err != nil {
		return provider.VisionPayload{}, sigilerr.Reclassify(err, sigilerr.CodeLoopbackPayloadBuildFailure, "resolving payload mode")
	}

	bctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()
	payload, dropped, err := e.builder.Build(bctx, files, atts, mode, auth)
	out.Dropped = dropped
	if dropped > 0 {
		e.stats.update(func(s *StatsSnapshot) { s.PayloadDrops += int64(dropped) })
	}
	return payload, err
}

func (e *Engine) settleFailure(ctx context.Context, cfg Config, turnID string, log *slog.Logger) {
	var err error
	if cfg.policy() == FailureSuppress {
		err = e.markers.SetFailed(ctx, turnID)
	} else {
		err = e.markers.ReleaseTurn(ctx, turnID)
	}
	if err != nil {
		log.Error("loopback: settling failed dispatch", "policy", cfg.policy(), "error", err)
	}
}

func (e *Engine) fetchImages(ctx context.Context, cfg Config, result ToolResult, log *slog.Logger) ToolResult {
	images := make([]ImagePayload, len(result.Images))
	copy(images, result.Images)
	for i, img := range images {
		if len(img.Data) > 0 || img.URL == "" {
			continue
		}
		fctx, cancel := context.WithTimeout(ctx, cfg.timeout())
		fetched, err := e.fetcher.Fetch(fctx, img.URL, cfg.MaxBytes)
		cancel()
		if err != nil {
			log.Warn("loopback: image fetch failed", "url", img.URL, "error", err)
			continue
		}
		if fetched.MIMEType == "" {
			fetched.MIMEType = img.MIMEType
		}
		fetched.Source = img.Source
		images[i] = fetched
	}
	result.Images = images
	return result
}

func earlyRejection(r Reason) bool {
	switch r {
	case ReasonDisabled, ReasonCredentialMissing, ReasonAlreadyDone, ReasonInProgress, ReasonPreviousFailed, ReasonToolNotAllowed:
		return true
	}
	return false
}

func hasURLOnly(result ToolResult) bool {
	for _, img := range result.Images {
		if len(img.Data) == 0 && img.URL != "" {
			return true
		}
	}
	return false
}
