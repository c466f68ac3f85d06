package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"
)

// SystemTypeStats is the per-systemType statistics struct named in
// SPEC_FULL.md's supplemented-features section (runnable, running,
// lastActive, waitTime), consumed by an external autoscaler per §4.5
// ("Under sustained starvation of a system type, the statistics kept
// here are the signal consumed by an external autoscaler; the
// dispatcher itself takes no scaling action").
type SystemTypeStats struct {
	Runnable    atomic.Int64
	Running     atomic.Int64
	LastActive  atomic.Int64 // unix seconds
	WaitSeconds atomic.Int64 // accumulated wait time, coarse
}

// StatsRegistry holds one SystemTypeStats per systemType, created on
// first observation.
type StatsRegistry struct {
	mu    sync.Mutex
	byKey map[string]*SystemTypeStats
}

// NewStatsRegistry returns an empty registry.
func NewStatsRegistry() *StatsRegistry {
	return &StatsRegistry{byKey: make(map[string]*SystemTypeStats)}
}

// Get returns (creating if absent) the stats for systemType.
func (r *StatsRegistry) Get(systemType string) *SystemTypeStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byKey[systemType]
	if !ok {
		s = &SystemTypeStats{}
		r.byKey[systemType] = s
	}
	return s
}

// Snapshot is the plain-value form of SystemTypeStats for JSON
// encoding by pkg/httpapi.
type Snapshot struct {
	SystemType  string
	Runnable    int64
	Running     int64
	LastActive  int64
	WaitSeconds int64
}

// All returns a snapshot of every tracked systemType's stats.
func (r *StatsRegistry) All() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.byKey))
	for k, s := range r.byKey {
		out = append(out, Snapshot{
			SystemType:  k,
			Runnable:    s.Runnable.Load(),
			Running:     s.Running.Load(),
			LastActive:  s.LastActive.Load(),
			WaitSeconds: s.WaitSeconds.Load(),
		})
	}
	return out
}

func markActive(s *SystemTypeStats, now time.Time) {
	s.LastActive.Store(now.Unix())
}
