// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"strings"
	"sync"
)

// CapabilityTable answers capability lookups from a local table. Operators
// override entries through configuration; backends with a model listing
// refresh it at startup.
type CapabilityTable struct {
	mu     sync.RWMutex
	models map[string]ModelCapabilities
}

// NewCapabilityTable creates a table seeded with known models.
func NewCapabilityTable(known map[string]ModelCapabilities) *CapabilityTable {
	t := &CapabilityTable{models: make(map[string]ModelCapabilities, len(known))}
	for id, caps := range known {
		t.models[normalizeModel(id)] = caps
	}
	return t
}

// Set records capabilities for model.
func (t *CapabilityTable) Set(model string, caps ModelCapabilities) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.models[normalizeModel(model)] = caps
}

// SetVision overrides the vision flag for model, keeping other fields.
func (t *CapabilityTable) SetVision(model string, vision bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := normalizeModel(model)
	caps := t.models[key]
	caps.SupportsVision = vision
	t.models[key] = caps
}

// Lookup returns the capabilities of model. A tagged name such as
// "llava:13b" falls back to its untagged family "llava".
func (t *CapabilityTable) Lookup(model string) (ModelCapabilities, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	key := normalizeModel(model)
	if caps, ok := t.models[key]; ok {
		return caps, true
	}
	if family, _, found := strings.Cut(key, ":"); found {
		if caps, ok := t.models[family]; ok {
			return caps, true
		}
	}
	return ModelCapabilities{}, false
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
