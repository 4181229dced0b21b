// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package health tracks follow-up dispatch outcomes per model backend.
package health

import (
	"maps"
	"sync"
	"time"
)

// DefaultThreshold is the number of consecutive failures after which a
// backend is reported unavailable.
const DefaultThreshold = 3

// Metrics exposes the current health state of a backend for monitoring and
// operator visibility. All fields are point-in-time snapshots safe to
// serialize to JSON.
type Metrics struct {
	Successes     int64      `json:"successes"`
	FailureCount  int64      `json:"failure_count"`
	Consecutive   int64      `json:"consecutive_failures"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	Available     bool       `json:"available"`
}

// Tracker records dispatch outcomes. The zero value is not usable; call
// NewTracker.
type Tracker struct {
	mu        sync.Mutex
	threshold int64
	now       func() time.Time
	backends  map[string]Metrics
}

// NewTracker creates a tracker. threshold <= 0 selects DefaultThreshold.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{threshold: int64(threshold), now: time.Now, backends: make(map[string]Metrics)}
}

// RecordSuccess notes a successful dispatch and resets the failure streak.
func (t *Tracker) RecordSuccess(backend string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.backends[backend]
	now := t.now().UTC()
	m.Successes++
	m.Consecutive = 0
	m.LastSuccessAt = &now
	m.Available = true
	t.backends[backend] = m
}

// RecordFailure notes a failed dispatch.
func (t *Tracker) RecordFailure(backend string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.backends[backend]
	now := t.now().UTC()
	m.FailureCount++
	m.Consecutive++
	m.LastFailureAt = &now
	m.Available = m.Consecutive < t.threshold
	t.backends[backend] = m
}

// Snapshot returns a copy of every backend's metrics.
func (t *Tracker) Snapshot() map[string]Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.backends)
}

// Healthy reports whether every tracked backend is available.
func (t *Tracker) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.backends {
		if !m.Available {
			return false
		}
	}
	return true
}
