package graph

import (
	"sync"
	"time"

	"github.com/LumiGuide/hydra/pkg/types"
)

// RunnableSet is the collection of steps currently eligible for
// dispatch (§4.4): "A collection of weak step references, consulted by
// the dispatcher. It carries no ordering of its own; the dispatcher
// performs a full priority sort on each pass."
//
// Go gives no cheap weak pointer the dispatcher could poll without
// extra bookkeeping (see pkg/types.Step's doc comment), so membership
// here is an ordinary strong reference guarded by its own lock.
// Snapshot takes member steps' locks while holding it, and
// Dispatcher.dispatch takes it while holding a step's lock; both run
// on the dispatcher goroutine. A step is removed from this set the moment
// it is dispatched or found no longer runnable; pkg/graph's reference
// counting (see deps.go's PrunedUnreachable) is what actually frees a
// step that drops out of the graph entirely.
type RunnableSet struct {
	mu    sync.Mutex
	steps map[string]*types.Step
}

func newRunnableSet() *RunnableSet {
	return &RunnableSet{steps: make(map[string]*types.Step)}
}

// Add inserts step into the runnable set. Idempotent.
func (rs *RunnableSet) Add(step *types.Step) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.steps[step.DrvPath] = step
}

// Remove drops step from the runnable set, e.g. once it has been
// dispatched or a dependency reappeared.
func (rs *RunnableSet) Remove(step *types.Step) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.steps, step.DrvPath)
}

// Len reports the current size of the set.
func (rs *RunnableSet) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.steps)
}

// Snapshot returns every step currently in the set that is still
// actually runnable as of now, dropping (and removing from the set)
// any entry that has since become unrunnable — e.g. a dependency was
// reintroduced, or it picked up a reservation between passes. This
// upgrade-and-validate step is the Go stand-in for the original's
// weak_ptr::lock() + liveness check on each dispatcher pass.
func (rs *RunnableSet) Snapshot(now time.Time) []*types.Step {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make([]*types.Step, 0, len(rs.steps))
	for path, st := range rs.steps {
		st.Lock()
		ok := st.State().Runnable(now)
		st.Unlock()
		if !ok {
			delete(rs.steps, path)
			continue
		}
		out = append(out, st)
	}
	return out
}
