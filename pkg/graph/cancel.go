package graph

import (
	"time"

	"github.com/LumiGuide/hydra/pkg/types"
)

// CancelBuild implements the queue monitor's cancellation path (§4.3):
// detach build from its step chain, drop any step that becomes
// unreachable as a result, and mark the build finalized in memory;
// writing the aborted status to the database is left to the caller. An
// in-flight step belonging to a cancelled build is left alone — its
// reservation drops naturally when the remote build finishes (§4.7) —
// this only unhooks the build's own ownership of the chain.
//
// Returns the steps that were dropped from the graph as a result, so
// callers can log/account for them.
func (s *Store) CancelBuild(build *types.Build, now time.Time) []*types.Step {
	if !build.MarkFinishedInDB() {
		return nil
	}

	s.RemoveBuild(build.ID)

	if build.Toplevel == nil {
		return nil
	}

	s.DetachBuild(build, build.Toplevel)
	return s.PrunedUnreachable(build.Toplevel)
}

// BumpPriority implements the priority-bump half of a queue-change
// signal (§4.3): update the build's cached priorities and re-run
// step-4 propagation from its top-level step.
func (s *Store) BumpPriority(build *types.Build, local, global int, now time.Time) {
	build.SetPriorities(local, global)
	s.PropagatePriorities(build, now)
}
