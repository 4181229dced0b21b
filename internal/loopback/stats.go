// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback

import (
	"maps"
	"sync"
)

// Stats counts engine activity. The zero value is ready to use.
type Stats struct {
	mu   sync.Mutex
	snap StatsSnapshot
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Evaluated        int64            `json:"evaluated"`
	Eligible         int64            `json:"eligible"`
	Rejected         map[Reason]int64 `json:"rejected"`
	Discards         Discards         `json:"discards"`
	Uploads          int64            `json:"uploads"`
	DedupHits        int64            `json:"dedup_hits"`
	UploadFailures   int64            `json:"upload_failures"`
	PayloadDrops     int64            `json:"payload_drops"`
	Dispatched       int64            `json:"dispatched"`
	DispatchFailures int64            `json:"dispatch_failures"`
	ClaimConflicts   int64            `json:"claim_conflicts"`
}

func (s *Stats) update(fn func(*StatsSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
}

func (s *Stats) recordDecision(d Decision) {
	s.update(func(snap *StatsSnapshot) {
		snap.Evaluated++
		snap.Discards.MIME += d.Discards.MIME
		snap.Discards.Empty += d.Discards.Empty
		snap.Discards.Size += d.Discards.Size
		snap.Discards.Cap += d.Discards.Cap
		if d.Eligible {
			snap.Eligible++
			return
		}
		if snap.Rejected == nil {
			snap.Rejected = make(map[Reason]int64)
		}
		snap.Rejected[d.Reason]++
	})
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	out.Rejected = maps.Clone(s.snap.Rejected)
	if out.Rejected == nil {
		out.Rejected = map[Reason]int64{}
	}
	return out
}
