package graph

import (
	"time"

	"github.com/LumiGuide/hydra/pkg/types"
)

// AddDependency records that parent depends on child: child is added
// to parent.Deps, and parent is added to child.RDeps (invariant 1).
// Lock order follows §4.1 (steps only here, parent before child to
// keep acquisition deterministic across callers).
func (s *Store) AddDependency(parent, child *types.Step) {
	parent.Lock()
	parent.State().Deps[child.DrvPath] = child
	parent.Unlock()

	child.Lock()
	child.State().RDeps[parent.DrvPath] = parent
	child.Unlock()
}

// RemoveDependency is the success-path counterpart: once a dependency
// has been built, it is removed from the dependent's Deps set. Returns
// true if the dependent became runnable as a result (its Deps set is
// now empty).
func (s *Store) RemoveDependency(dependent, finished *types.Step, now time.Time) bool {
	dependent.Lock()
	delete(dependent.State().Deps, finished.DrvPath)
	becameRunnable := dependent.State().Runnable(now)
	if becameRunnable {
		dependent.State().RunnableSince = now
	}
	dependent.Unlock()

	finished.Lock()
	delete(finished.State().RDeps, dependent.DrvPath)
	finished.Unlock()

	return becameRunnable
}

// AttachBuild registers build as requiring step (either as its
// top-level derivation, or implicitly via the deps chain already
// wired by the queue monitor). It adds build to step.Builds, adds
// build's jobset to step.Jobsets, and recomputes step's cached
// priority fields. It takes step's lock and, under it, the locks of
// the attached builds and jobsets, so callers must not be holding the
// step lock already.
func (s *Store) AttachBuild(build *types.Build, step *types.Step) {
	step.Lock()
	defer step.Unlock()
	st := step.State()
	st.Builds[build.ID] = build
	if build.JobsetRef != nil {
		st.Jobsets[build.JobsetRef.Key()] = build.JobsetRef
	}
	st.RecomputePriorityLocked(time.Now(), func(js *types.Jobset) float64 {
		return js.ShareUsed(time.Now())
	})
}

// DetachBuild removes build from step.Builds (used on cancellation).
func (s *Store) DetachBuild(build *types.Build, step *types.Step) {
	step.Lock()
	defer step.Unlock()
	delete(step.State().Builds, build.ID)
}

// TransitiveDeps returns every step reachable by walking Deps from
// root (root's full dependency closure), root included.
func (s *Store) TransitiveDeps(root *types.Step) []*types.Step {
	seen := map[string]*types.Step{root.DrvPath: root}
	stack := []*types.Step{root}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		cur.Lock()
		deps := make([]*types.Step, 0, len(cur.State().Deps))
		for _, d := range cur.State().Deps {
			deps = append(deps, d)
		}
		cur.Unlock()

		for _, d := range deps {
			if _, ok := seen[d.DrvPath]; !ok {
				seen[d.DrvPath] = d
				stack = append(stack, d)
			}
		}
	}
	out := make([]*types.Step, 0, len(seen))
	for _, st := range seen {
		out = append(out, st)
	}
	return out
}

// TransitiveDependents walks RDeps from root and returns every step
// and build reachable, per §4.1's "walk a step's transitive dependent
// set (returning both steps and builds found along the way)" and
// §4.7's failure-propagation requirement.
func (s *Store) TransitiveDependents(root *types.Step) (steps []*types.Step, builds []*types.Build) {
	seenSteps := map[string]*types.Step{}
	seenBuilds := map[types.BuildID]*types.Build{}
	stack := []*types.Step{root}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		cur.Lock()
		for id, b := range cur.State().Builds {
			if _, ok := seenBuilds[id]; !ok {
				seenBuilds[id] = b
			}
		}
		rdeps := make([]*types.Step, 0, len(cur.State().RDeps))
		for _, r := range cur.State().RDeps {
			rdeps = append(rdeps, r)
		}
		cur.Unlock()

		for _, r := range rdeps {
			if _, ok := seenSteps[r.DrvPath]; !ok {
				seenSteps[r.DrvPath] = r
				stack = append(stack, r)
			}
		}
	}

	steps = make([]*types.Step, 0, len(seenSteps))
	for _, st := range seenSteps {
		steps = append(steps, st)
	}
	builds = make([]*types.Build, 0, len(seenBuilds))
	for _, b := range seenBuilds {
		builds = append(builds, b)
	}
	return steps, builds
}

// PrunedUnreachable checks whether step is still kept alive per §3/§9
// (reachable from a live build, or currently reserved) and, if not,
// removes it from the global steps map and recurses into its own Deps
// - mirroring §4.7's "Drop the step and its now-unreachable upstream
// chain from the graph." This is the explicit reference-counted
// analogue of the original's weak_ptr-based garbage collection; see
// DESIGN.md.
func (s *Store) PrunedUnreachable(step *types.Step) []*types.Step {
	var dropped []*types.Step
	s.pruneWalk(step, map[string]bool{}, &dropped)
	return dropped
}

func (s *Store) pruneWalk(step *types.Step, visited map[string]bool, dropped *[]*types.Step) {
	if visited[step.DrvPath] {
		return
	}
	visited[step.DrvPath] = true

	step.Lock()
	st := step.State()
	alive := len(st.Builds) > 0 || len(st.RDeps) > 0 || st.Reservations > 0
	var deps []*types.Step
	if !alive {
		deps = make([]*types.Step, 0, len(st.Deps))
		for _, d := range st.Deps {
			deps = append(deps, d)
		}
	}
	step.Unlock()

	if alive {
		return
	}

	s.stepsMu.Lock()
	delete(s.steps, step.DrvPath)
	s.stepsMu.Unlock()
	s.Runnable.Remove(step)
	*dropped = append(*dropped, step)

	for _, d := range deps {
		d.Lock()
		delete(d.State().RDeps, step.DrvPath)
		d.Unlock()
		s.pruneWalk(d, visited, dropped)
	}
}
