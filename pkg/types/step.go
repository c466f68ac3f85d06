package types

import (
	"math"
	"sync"
	"time"
)

// Step is a node in the build DAG, identified by its derivation path.
// One Step exists per derivation path regardless of how many builds
// need it (§3).
//
// Go has no deterministic destructor and no cheap weak pointer the
// rest of this codebase can poll without extra bookkeeping, so unlike
// the original implementation's std::weak_ptr-based rdeps/builds
// lists, this Step stores ordinary (strong, in Go terms) references
// in RDeps/Builds. The "weak" lifetime semantics required by §3/§9 —
// a step is collectable the instant no build needs it — are instead
// implemented explicitly by pkg/graph, which reference-counts reachability
// and deletes a Step from its global map (and recurses into the step's
// own Deps) the moment that count hits zero. See DESIGN.md.
type Step struct {
	DrvPath    string
	Derivation Derivation
	SystemType string

	mu    sync.Mutex
	state State
}

// State is the mutable part of a Step, always accessed while the
// owning Step's lock is held (§4.1).
type State struct {
	// Created guards against double-insertion into the graph.
	Created bool

	// Deps are the steps this step depends on (strong references: a
	// Step keeps its upstream dependencies alive).
	Deps map[string]*Step

	// RDeps are the steps that depend on this one.
	RDeps map[string]*Step

	// Builds are the builds that have this step as their top-level
	// derivation.
	Builds map[BuildID]*Build

	// Jobsets is the set of jobsets transitively depending on this
	// step, used for fairness ordering.
	Jobsets map[JobsetKey]*Jobset

	// Tries counts attempts made so far (scoped to this Step
	// instance — see DESIGN.md's retry-budget decision).
	Tries int

	// After is the earliest time this step may be attempted again.
	After time.Time

	// Cached priority fields (invariant 3), recomputed whenever a
	// build attaches or a dependent's priority changes.
	HighestGlobalPriority int
	HighestLocalPriority  int
	LowestShareUsed       float64
	LowestBuildID         BuildID

	// RunnableSince is set when the step first enters the runnable set.
	RunnableSince time.Time

	// Reservations is the number of MachineReservations currently
	// holding this step (invariant 5 requires this never exceeds 1).
	Reservations int

	// Unsupported marks a step whose platform no known machine
	// supports (§4.3); such a step is never made runnable.
	Unsupported bool
}

// NewStep allocates a Step for the given derivation, uninitialized
// (Created=false) until the graph store finishes wiring its deps.
func NewStep(drv Derivation) *Step {
	return &Step{
		DrvPath:    drv.DrvPath,
		Derivation: drv,
		SystemType: drv.SystemType(),
		state: State{
			Deps:            make(map[string]*Step),
			RDeps:           make(map[string]*Step),
			Builds:          make(map[BuildID]*Build),
			Jobsets:         make(map[JobsetKey]*Jobset),
			LowestShareUsed: math.MaxFloat64,
			LowestBuildID:   BuildID(math.MaxInt64),
		},
	}
}

// Lock acquires the step's state lock. Build and jobset locks are
// taken while it is held, never the other way round; see pkg/graph's
// package doc for the orders actually used.
func (s *Step) Lock() { s.mu.Lock() }

// Unlock releases the step's state lock.
func (s *Step) Unlock() { s.mu.Unlock() }

// State returns a pointer to the mutable state for direct
// manipulation. The caller MUST hold the step's lock.
func (s *Step) State() *State { return &s.state }

// Runnable reports whether the step is currently eligible for
// dispatch per invariant 2: no unbuilt deps, not reserved, and now is
// past After. Caller must hold the step's lock.
func (st *State) Runnable(now time.Time) bool {
	return len(st.Deps) == 0 && st.Reservations == 0 && !st.Unsupported && !now.Before(st.After)
}

// RecomputePriorityLocked recomputes the cached min/max priority
// fields from the live set of builds/jobsets attached to this step
// (invariant 3). Caller must hold the step's lock; each build's lock,
// and whatever lock shareUsed takes, is acquired while it is held.
func (st *State) RecomputePriorityLocked(now time.Time, shareUsed func(*Jobset) float64) {
	st.HighestGlobalPriority = 0
	st.HighestLocalPriority = 0
	st.LowestBuildID = BuildID(math.MaxInt64)
	for _, b := range st.Builds {
		local, global := b.Priorities()
		if global > st.HighestGlobalPriority {
			st.HighestGlobalPriority = global
		}
		if local > st.HighestLocalPriority {
			st.HighestLocalPriority = local
		}
		if b.ID < st.LowestBuildID {
			st.LowestBuildID = b.ID
		}
	}

	st.LowestShareUsed = math.MaxFloat64
	for _, js := range st.Jobsets {
		su := shareUsed(js)
		if su < st.LowestShareUsed {
			st.LowestShareUsed = su
		}
	}
}
