// Package graph implements the in-memory build/step/jobset store (C1):
// the shared mutable DAG mutated concurrently by the queue monitor,
// the dispatcher, and the outcome reducer.
//
// All mutation of Step.State, Build, Jobset, and the three top-level
// maps happens under the owning entity's own lock. Where two locks are
// held at once the order is: steps map -> step (GetOrCreateStep);
// step -> build and step -> jobset (priority recomputation and
// share-used reads), so build and jobset locks come after, not before,
// step locks; step -> runnable set (Dispatcher.dispatch) and runnable
// set -> step (RunnableSet.Snapshot), both on the dispatcher goroutine.
// No other lock is taken while a build's or jobset's lock is held.
package graph

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/LumiGuide/hydra/pkg/types"
)

// Store owns the global builds, jobsets, and steps maps plus the
// runnable set, generalizing the teacher's pkg/graph.Manager (which
// owned a map of per-arch PkgGraphs under a PkgsMutex/AuxMutex pair)
// to the build DAG described in §3.
type Store struct {
	l hclog.Logger

	buildsMu sync.Mutex
	builds   map[types.BuildID]*types.Build

	jobsetsMu sync.Mutex
	jobsets   map[types.JobsetKey]*types.Jobset

	stepsMu sync.Mutex
	steps   map[string]*types.Step // keyed by DrvPath

	Runnable *RunnableSet

	// wake is invoked after any mutation that might make a new step
	// runnable or free dispatcher-relevant capacity. Wired to the
	// dispatcher's condition variable by the coordinator.
	wake func()
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l hclog.Logger) Option {
	return func(s *Store) { s.l = l.Named("graph") }
}

// WithWakeFunc installs the callback invoked to wake the dispatcher.
func WithWakeFunc(f func()) Option {
	return func(s *Store) { s.wake = f }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		l:        hclog.L().Named("graph"),
		builds:   make(map[types.BuildID]*types.Build),
		jobsets:  make(map[types.JobsetKey]*types.Jobset),
		steps:    make(map[string]*types.Step),
		Runnable: newRunnableSet(),
		wake:     func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreateJobset returns the jobset for (project, name), creating
// it on demand (§4.3 step 3).
func (s *Store) GetOrCreateJobset(project, name string) *types.Jobset {
	key := types.JobsetKey{Project: project, Name: name}
	s.jobsetsMu.Lock()
	defer s.jobsetsMu.Unlock()
	js, ok := s.jobsets[key]
	if !ok {
		js = types.NewJobset(project, name)
		s.jobsets[key] = js
	}
	return js
}

// Jobset looks up a jobset without creating it.
func (s *Store) Jobset(project, name string) (*types.Jobset, bool) {
	s.jobsetsMu.Lock()
	defer s.jobsetsMu.Unlock()
	js, ok := s.jobsets[types.JobsetKey{Project: project, Name: name}]
	return js, ok
}

// AddBuild registers a new build in the global builds map.
func (s *Store) AddBuild(b *types.Build) {
	s.buildsMu.Lock()
	defer s.buildsMu.Unlock()
	s.builds[b.ID] = b
}

// Build looks up a build by id.
func (s *Store) Build(id types.BuildID) (*types.Build, bool) {
	s.buildsMu.Lock()
	defer s.buildsMu.Unlock()
	b, ok := s.builds[id]
	return b, ok
}

// RemoveBuild deletes a build from the global map. Called once a
// build is finalized and no longer needs to be tracked in memory.
func (s *Store) RemoveBuild(id types.BuildID) {
	s.buildsMu.Lock()
	defer s.buildsMu.Unlock()
	delete(s.builds, id)
}

// Builds returns a snapshot slice of all currently tracked builds.
func (s *Store) Builds() []*types.Build {
	s.buildsMu.Lock()
	defer s.buildsMu.Unlock()
	out := make([]*types.Build, 0, len(s.builds))
	for _, b := range s.builds {
		out = append(out, b)
	}
	return out
}

// Step looks up a step by derivation path without creating it.
func (s *Store) Step(drvPath string) (*types.Step, bool) {
	s.stepsMu.Lock()
	defer s.stepsMu.Unlock()
	st, ok := s.steps[drvPath]
	return st, ok
}

// StepCount returns the number of steps currently tracked.
func (s *Store) StepCount() int {
	s.stepsMu.Lock()
	defer s.stepsMu.Unlock()
	return len(s.steps)
}

// GetOrCreateStep returns the step for drv.DrvPath, creating and
// inserting it into the global map if absent (§4.3 step 1, "Created"
// guards double-insertion). The second return indicates whether the
// step was freshly created.
func (s *Store) GetOrCreateStep(drv types.Derivation) (*types.Step, bool) {
	s.stepsMu.Lock()
	defer s.stepsMu.Unlock()

	if st, ok := s.steps[drv.DrvPath]; ok {
		return st, false
	}

	st := types.NewStep(drv)
	st.Lock()
	st.State().Created = true
	st.Unlock()
	s.steps[drv.DrvPath] = st
	return st, true
}

// WakeDispatcher invokes the installed wake callback.
func (s *Store) WakeDispatcher() {
	s.wake()
}
