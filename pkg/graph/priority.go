package graph

import (
	"time"

	"github.com/LumiGuide/hydra/pkg/types"
)

// PropagatePriorities walks down from build's top-level step through
// its Deps closure, recomputing the top-level step's cached priority
// fields, folding build's priorities, id and jobset into every visited
// step's (invariant 3; values are only raised here, never lowered, on
// steps below the top level) and, for any step that is both runnable and not
// yet tracked, inserting it into the runnable set. This mirrors the
// original's Build::propagatePriorities(), a method on Build that
// naturally starts its walk at the build's own top-level step rather
// than literally following rdeps pointers outward.
func (s *Store) PropagatePriorities(build *types.Build, now time.Time) {
	if build.Toplevel == nil {
		return
	}

	shareUsed := func(js *types.Jobset) float64 { return js.ShareUsed(now) }
	local, global := build.Priorities()

	visited := map[string]bool{}
	stack := []*types.Step{build.Toplevel}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur.DrvPath] {
			continue
		}
		visited[cur.DrvPath] = true

		cur.Lock()
		st := cur.State()
		if cur == build.Toplevel {
			st.RecomputePriorityLocked(now, shareUsed)
		}
		if build.JobsetRef != nil {
			st.Jobsets[build.JobsetRef.Key()] = build.JobsetRef
		}
		st.HighestGlobalPriority = max(st.HighestGlobalPriority, global)
		st.HighestLocalPriority = max(st.HighestLocalPriority, local)
		st.LowestBuildID = min(st.LowestBuildID, build.ID)
		runnable := cur.State().Runnable(now)
		if runnable && cur.State().RunnableSince.IsZero() {
			cur.State().RunnableSince = now
		}
		deps := make([]*types.Step, 0, len(cur.State().Deps))
		for _, d := range cur.State().Deps {
			deps = append(deps, d)
		}
		cur.Unlock()

		if runnable {
			s.Runnable.Add(cur)
		}

		for _, d := range deps {
			if !visited[d.DrvPath] {
				stack = append(stack, d)
			}
		}
	}
}

// MakeRunnableIfReady re-evaluates step and, if it is newly eligible
// for dispatch per invariant 2, adds it to the runnable set. Called
// after a dependency finishes (RemoveDependency returning true), when
// a step's reservation is released, and when a retried step's After
// has passed.
func (s *Store) MakeRunnableIfReady(step *types.Step, now time.Time) {
	step.Lock()
	ready := step.State().Runnable(now)
	if ready && step.State().RunnableSince.IsZero() {
		step.State().RunnableSince = now
	}
	step.Unlock()

	if ready {
		s.Runnable.Add(step)
	}
}
