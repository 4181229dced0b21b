// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"slices"
	"strings"
	"sync"

	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

// Registry manages provider registration and model routing.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider to the registry.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// SetDefault names the provider that serves models without a provider prefix.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultName = name
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, sigilerr.New(sigilerr.CodeProviderNotFound, "provider not found", sigilerr.FieldProvider(name))
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Route resolves a model reference. "provider/model" selects a registered
// provider by prefix; anything else goes to the default provider unchanged.
func (r *Registry) Route(modelRef string) (Provider, string, error) {
	modelRef = strings.TrimSpace(modelRef)
	if modelRef == "" {
		return nil, "", sigilerr.New(sigilerr.CodeProviderInvalidModelRef, "model reference must not be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if prefix, model, found := strings.Cut(modelRef, "/"); found && model != "" {
		if p, ok := r.providers[prefix]; ok {
			return p, model, nil
		}
	}

	if r.defaultName == "" {
		return nil, "", sigilerr.New(sigilerr.CodeProviderNoDefault, "no default provider configured", sigilerr.FieldModel(modelRef))
	}
	p, ok := r.providers[r.defaultName]
	if !ok {
		return nil, "", sigilerr.New(sigilerr.CodeProviderNotFound, "default provider not registered", sigilerr.FieldProvider(r.defaultName))
	}
	return p, modelRef, nil
}

// VisionCapable reports whether the routed provider knows modelRef as a
// vision model. Unknown models are not vision capable.
func (r *Registry) VisionCapable(modelRef string) bool {
	p, model, err := r.Route(modelRef)
	if err != nil {
		return false
	}
	caps, ok := p.Capabilities(model)
	return ok && caps.SupportsVision
}

// Close closes every registered provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return sigilerr.Join(errs...)
	}
	return nil
}
