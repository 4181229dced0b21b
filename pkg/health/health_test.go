// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package health_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/loopback/pkg/health"
)

func TestTracker_FailureStreak(t *testing.T) {
	tr := health.NewTracker(2)
	assert.True(t, tr.Healthy())

	tr.RecordFailure("ollama")
	m := tr.Snapshot()["ollama"]
	assert.True(t, m.Available)
	assert.Equal(t, int64(1), m.Consecutive)
	require.NotNil(t, m.LastFailureAt)

	tr.RecordFailure("ollama")
	assert.False(t, tr.Snapshot()["ollama"].Available)
	assert.False(t, tr.Healthy())

	tr.RecordSuccess("ollama")
	m = tr.Snapshot()["ollama"]
	assert.True(t, m.Available)
	assert.Equal(t, int64(0), m.Consecutive)
	assert.Equal(t, int64(2), m.FailureCount)
	assert.Equal(t, int64(1), m.Successes)
	assert.True(t, tr.Healthy())
}

func TestTracker_SnapshotIsCopy(t *testing.T) {
	tr := health.NewTracker(0)
	tr.RecordSuccess("openwebui")

	snap := tr.Snapshot()
	delete(snap, "openwebui")
	assert.Contains(t, tr.Snapshot(), "openwebui")
}

func TestTracker_DefaultThreshold(t *testing.T) {
	tr := health.NewTracker(0)
	for range health.DefaultThreshold - 1 {
		tr.RecordFailure("google")
	}
	assert.True(t, tr.Snapshot()["google"].Available)
	tr.RecordFailure("google")
	assert.False(t, tr.Snapshot()["google"].Available)
}
