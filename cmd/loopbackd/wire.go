// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sigil-dev/loopback/internal/config"
	"github.com/sigil-dev/loopback/internal/loopback"
	"github.com/sigil-dev/loopback/internal/provider"
	anthropicprov "github.com/sigil-dev/loopback/internal/provider/anthropic"
	googleprov "github.com/sigil-dev/loopback/internal/provider/google"
	ollamaprov "github.com/sigil-dev/loopback/internal/provider/ollama"
	openaiprov "github.com/sigil-dev/loopback/internal/provider/openai"
	"github.com/sigil-dev/loopback/internal/provider/openwebui"
	"github.com/sigil-dev/loopback/internal/server"
	"github.com/sigil-dev/loopback/internal/store"
	_ "github.com/sigil-dev/loopback/internal/store/inmem"  // register memory backend
	_ "github.com/sigil-dev/loopback/internal/store/sqlite" // register sqlite backend
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
	"github.com/sigil-dev/loopback/pkg/health"
)

// modelRefreshTimeout bounds the startup capability fetch.
const modelRefreshTimeout = 10 * time.Second

// Daemon holds all wired subsystems and manages their lifecycle.
type Daemon struct {
	Config   *config.Config
	Stores   *store.Stores
	Registry *provider.Registry
	Engine   *loopback.Engine
	Health   *health.Tracker
	// WebUI is nil when no file-service credential is configured.
	WebUI *openwebui.Client
}

// capabilityTabler is implemented by providers whose capability table can be
// adjusted from configuration.
type capabilityTabler interface {
	CapabilityTable() *provider.CapabilityTable
}

// WireDaemon creates the stores, providers and engine described by cfg.
func WireDaemon(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	stores, err := store.Open(store.Config{Backend: cfg.Storage.Backend, Path: cfg.Storage.Path})
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeCLISetupFailure, "opening %s storage", cfg.Storage.Backend)
	}

	d := &Daemon{
		Config:   cfg,
		Stores:   stores,
		Registry: provider.NewRegistry(),
		Health:   health.NewTracker(0),
	}

	if cfg.Loopback.APIKey != "" {
		d.WebUI, err = openwebui.New(openwebui.Config{
			BaseURL: cfg.Loopback.BaseURL,
			APIKey:  cfg.Loopback.APIKey,
			Timeout: cfg.Loopback.Timeout,
		})
		if err != nil {
			_ = stores.Close()
			return nil, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "creating openwebui client")
		}
		d.Registry.Register(d.WebUI.Name(), d.WebUI)
	} else {
		slog.Warn("no file service credential configured; loopback stays inactive", "env", config.CredentialEnv)
	}

	if err := registerProviders(cfg, d.Registry); err != nil {
		_ = d.Close()
		return nil, err
	}
	d.Registry.SetDefault(cfg.DefaultProvider)

	if d.WebUI != nil {
		rctx, cancel := context.WithTimeout(ctx, modelRefreshTimeout)
		n, err := d.WebUI.RefreshModels(rctx)
		cancel()
		if err != nil {
			slog.Warn("loading model capabilities failed; only configured overrides apply", "error", err)
		} else {
			slog.Info("loaded model capabilities", "models", n)
		}
	}
	applyVisionOverrides(cfg, d.Registry)

	files := stores.Files
	fileURL := func(id string) string { return "/api/v1/files/" + id + "/content" }
	if cfg.Storage.Files == "openwebui" && d.WebUI != nil {
		files = d.WebUI
		fileURL = openwebui.FileContentURL
	}

	d.Engine, err = loopback.NewEngine(loopback.Options{
		Markers:      stores.Markers,
		History:      stores.History,
		Files:        files,
		Router:       d.Registry,
		Capabilities: d.Registry,
		Fetcher:      loopback.NewFetcher(cfg.Loopback.Timeout, cfg.Loopback.AllowPrivateFetch),
		FileURL:      fileURL,
		Health:       d.Health,
	})
	if err != nil {
		_ = d.Close()
		return nil, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "creating loopback engine")
	}

	return d, nil
}

// registerProviders adds every configured model backend to reg.
func registerProviders(cfg *config.Config, reg *provider.Registry) error {
	for name, pc := range cfg.Providers {
		p, err := newProvider(name, pc)
		if err != nil {
			return sigilerr.Wrapf(err, sigilerr.CodeCLISetupFailure, "creating provider %s", name)
		}
		if p == nil {
			continue
		}
		reg.Register(name, p)
		slog.Debug("registered provider", "provider", name)
	}
	return nil
}

func newProvider(name string, pc config.ProviderConfig) (provider.Provider, error) {
	switch name {
	case "ollama":
		return ollamaprov.New(ollamaprov.Config{Endpoint: pc.Endpoint, APIKey: pc.APIKey, Timeout: pc.Timeout}), nil
	case "openai":
		return openaiprov.New(openaiprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint, Timeout: pc.Timeout})
	case "openrouter":
		return openaiprov.NewOpenRouter(openaiprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint, Timeout: pc.Timeout})
	case "anthropic":
		return anthropicprov.New(anthropicprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint, Timeout: pc.Timeout})
	case "google":
		return googleprov.New(googleprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint, Timeout: pc.Timeout})
	case "openwebui":
		// Served by the file-service client.
		return nil, nil
	default:
		return nil, sigilerr.Errorf(sigilerr.CodeProviderNotFound, "unknown provider %q", name)
	}
}

// applyVisionOverrides pins operator-declared vision flags on the provider
// that serves each model.
func applyVisionOverrides(cfg *config.Config, reg *provider.Registry) {
	for ref, vision := range cfg.VisionOverrides() {
		p, model, err := reg.Route(ref)
		if err != nil {
			slog.Warn("vision override for unroutable model ignored", "model", ref, "error", err)
			continue
		}
		ct, ok := p.(capabilityTabler)
		if !ok {
			continue
		}
		ct.CapabilityTable().SetVision(model, vision)
	}
}

// Valves returns the per-model configuration source for the server.
func (d *Daemon) Valves() server.Valves {
	return server.ValvesFunc(d.Config.Snapshot)
}

// NewServer builds the HTTP server over the daemon's engine.
func (d *Daemon) NewServer() (*server.Server, error) {
	svc, err := server.NewServices(d.Engine, d.Valves(), d.Stores.History, server.PipelineInfo{
		Pipelines: d.Config.Pipeline.Pipelines,
		Priority:  d.Config.Pipeline.Priority,
	}, d.Health)
	if err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "creating services")
	}

	return server.New(server.Config{
		ListenAddr:  d.Config.Server.Listen,
		CORSOrigins: d.Config.Server.CORSOrigins,
		APIKey:      d.Config.Server.APIKey,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: d.Config.Server.RateLimit.RequestsPerSecond,
			Burst:             d.Config.Server.RateLimit.Burst,
		},
	}, svc)
}

// Close releases providers and stores.
func (d *Daemon) Close() error {
	var errs []error
	if d.Registry != nil {
		if err := d.Registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.Stores != nil {
		if err := d.Stores.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
