// Package stats holds the process-wide observability counters named
// in SPEC_FULL.md's supplemented-features section: nrBuildsRead,
// nrBuildsDone, nrStepsDone, nrRetries, nrActiveSteps, and the
// bytesSent/bytesReceived placeholders for the out-of-scope remote
// transfer. All fields are lock-free atomics per §5 ("Counters for
// observability are lock-free atomic"), shared by every component
// that needs to bump one without importing each other.
package stats

import "sync/atomic"

// Counters is the single process-wide instance other packages bump
// and pkg/httpapi reads for the status dump (§6 Control surface).
var Counters counters

type counters struct {
	NrBuildsRead  atomic.Int64
	NrBuildsDone  atomic.Int64
	NrStepsDone   atomic.Int64
	NrRetries     atomic.Int64
	NrActiveSteps atomic.Int64
	BytesSent     atomic.Int64
	BytesReceived atomic.Int64
}

// Snapshot is the plain-value form of Counters for JSON encoding.
type Snapshot struct {
	NrBuildsRead  int64
	NrBuildsDone  int64
	NrStepsDone   int64
	NrRetries     int64
	NrActiveSteps int64
	BytesSent     int64
	BytesReceived int64
}

// Snap returns a point-in-time copy of every counter.
func Snap() Snapshot {
	return Snapshot{
		NrBuildsRead:  Counters.NrBuildsRead.Load(),
		NrBuildsDone:  Counters.NrBuildsDone.Load(),
		NrStepsDone:   Counters.NrStepsDone.Load(),
		NrRetries:     Counters.NrRetries.Load(),
		NrActiveSteps: Counters.NrActiveSteps.Load(),
		BytesSent:     Counters.BytesSent.Load(),
		BytesReceived: Counters.BytesReceived.Load(),
	}
}
