// Package dispatcher implements C4/C5: consulting the runnable set and
// matching runnable steps against free, capable machines on every wake
// (§4.4, §4.5). Grounded on the teacher's pkg/scheduler.Scheduler main
// loop (send/Reconstruct/Run), generalized from a single FIFO queue and
// one CapacityProvider to the full priority sort and many-machine
// matching §4.5 requires.
package dispatcher

import (
	"context"
	"math"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/LumiGuide/hydra/pkg/builder"
	"github.com/LumiGuide/hydra/pkg/graph"
	"github.com/LumiGuide/hydra/pkg/machines"
	"github.com/LumiGuide/hydra/pkg/stats"
	"github.com/LumiGuide/hydra/pkg/types"
)

// idleTick is the fallback wake period when no step's After and no
// machine's disabledUntil are soonest - the dispatcher never sleeps
// longer than this even if it has nothing to do, so a late Wake() call
// racing the loop's own deadline computation is never more than this
// long in being noticed.
const idleTick = 5 * time.Second

// Dispatcher is C4+C5: it owns no state of its own beyond what it reads
// from the graph store and the machine registry, plus the per-systemType
// observability counters in Stats.
type Dispatcher struct {
	l        hclog.Logger
	store    *graph.Store
	machines *machines.Registry
	driver   builder.RemoteBuildDriver
	reduce   builder.Reducer
	policy   builder.RetryPolicy

	Stats *StatsRegistry

	// RecordStart/RecordFinish are the §6 DB write-backs wired onto
	// every Worker this dispatcher spawns; see pkg/builder.Worker.
	// Left nil (a no-op) by New so the dispatcher stays usable in
	// tests without a database.
	RecordStart  func(ctx context.Context, step *types.Step, machine *types.Machine, start time.Time) (int, error)
	RecordFinish func(ctx context.Context, step *types.Step, machine *types.Machine, stepNr int, result builder.RemoteBuildResult, status types.BuildStepStatus)

	wakeCh chan struct{}
}

// New constructs a Dispatcher.
func New(l hclog.Logger, store *graph.Store, reg *machines.Registry, driver builder.RemoteBuildDriver, reduce builder.Reducer, policy builder.RetryPolicy) *Dispatcher {
	return &Dispatcher{
		l:        l.Named("dispatcher"),
		store:    store,
		machines: reg,
		driver:   driver,
		reduce:   reduce,
		policy:   policy,
		Stats:    NewStatsRegistry(),
		wakeCh:   make(chan struct{}, 1),
	}
}

// Wake schedules an immediate extra dispatch pass, e.g. after a new
// build enters the runnable set or a reservation is released. Safe to
// call from any goroutine; non-blocking.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Run executes the dispatch loop until ctx is canceled. Each pass is
// §4.5's four steps: snapshot, sort, match, bookkeeping.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		next := d.pass(time.Now())

		select {
		case <-ctx.Done():
			return
		case <-d.wakeCh:
		case <-time.After(sleepUntil(next)):
		}
	}
}

// pass runs one dispatch cycle and returns the next time a sleeping
// step or machine might become eligible, so Run can avoid a busy loop.
func (d *Dispatcher) pass(now time.Time) time.Time {
	steps := d.store.Runnable.Snapshot(now)
	machinesAll := d.machines.All()

	keys := make([]sortKey, 0, len(steps))
	for _, st := range steps {
		st.Lock()
		state := st.State()
		lowestShareUsed := math.MaxFloat64
		for _, js := range state.Jobsets {
			if su := js.ShareUsed(now); su < lowestShareUsed {
				lowestShareUsed = su
			}
		}
		key := sortKey{
			step:                  st,
			highestGlobalPriority: state.HighestGlobalPriority,
			lowestShareUsed:       lowestShareUsed,
			highestLocalPriority:  state.HighestLocalPriority,
			lowestBuildID:         state.LowestBuildID,
			runnableSince:         state.RunnableSince,
		}
		st.Unlock()
		keys = append(keys, key)
	}
	sortRunnable(keys)

	runnableBySystemType := make(map[string]int64)
	waitSecondsBySystemType := make(map[string]int64)
	for _, k := range keys {
		runnableBySystemType[k.step.SystemType]++
		waitSecondsBySystemType[k.step.SystemType] += int64(now.Sub(k.runnableSince) / time.Second)
	}
	for systemType, n := range runnableBySystemType {
		d.Stats.Get(systemType).Runnable.Store(n)
		d.Stats.Get(systemType).WaitSeconds.Store(waitSecondsBySystemType[systemType])
	}

	busy := make(map[string]int)
	for _, m := range machinesAll {
		busy[m.Name] = int(m.State.CurrentJobs.Load())
	}

	next := now.Add(idleTick)

	for _, k := range keys {
		st := k.step

		st.Lock()
		ready := st.State().Runnable(now)
		after := st.State().After
		st.Unlock()

		if !ready {
			if after.After(now) && after.Before(next) {
				next = after
			}
			continue
		}

		machine := d.pickMachine(st, machinesAll, busy, now, &next)
		if machine == nil {
			continue
		}

		d.dispatch(context.Background(), st, machine)
		busy[machine.Name]++
	}

	for _, m := range machinesAll {
		disabledUntil := m.State.DisabledUntilTime()
		if disabledUntil.After(now) && disabledUntil.Before(next) {
			next = disabledUntil
		}
	}

	return next
}

// pickMachine implements §4.5 step 3's machine selection: among every
// machine that is enabled, supports step, has spare capacity, and is
// not presently disabledUntil, prefer the highest speedFactor,
// tie-breaking on lowest current load and then lexicographic name.
// Tracks the soonest disabledUntil among otherwise-eligible machines
// into *next so the caller knows when to wake and retry.
func (d *Dispatcher) pickMachine(step *types.Step, candidates []*types.Machine, busy map[string]int, now time.Time, next *time.Time) *types.Machine {
	var best *types.Machine
	for _, m := range candidates {
		if !m.Enabled() || !m.SupportsStep(step) {
			continue
		}
		if disabledUntil := m.State.DisabledUntilTime(); disabledUntil.After(now) {
			if disabledUntil.Before(*next) {
				*next = disabledUntil
			}
			continue
		}
		if busy[m.Name] >= m.MaxJobs {
			continue
		}

		if best == nil || betterMachine(m, best, busy) {
			best = m
		}
	}
	return best
}

// betterMachine reports whether candidate should be preferred over
// incumbent per §4.5 step 3's tie-break chain.
func betterMachine(candidate, incumbent *types.Machine, busy map[string]int) bool {
	if candidate.SpeedFactor != incumbent.SpeedFactor {
		return candidate.SpeedFactor > incumbent.SpeedFactor
	}
	if busy[candidate.Name] != busy[incumbent.Name] {
		return busy[candidate.Name] < busy[incumbent.Name]
	}
	return candidate.Name < incumbent.Name
}

// dispatch takes out a MachineReservation for step on machine and
// launches a Worker to drive it through to completion, per §5's "short
// lived threads: one builder per in-flight reservation".
func (d *Dispatcher) dispatch(ctx context.Context, step *types.Step, machine *types.Machine) {
	step.Lock()
	step.State().Reservations++
	d.store.Runnable.Remove(step)
	maxSilent, hardTimeout := maxTimeouts(step)
	step.Unlock()

	reservation := types.NewMachineReservation(step, machine)

	s := d.Stats.Get(step.SystemType)
	s.Running.Add(1)
	markActive(s, time.Now())
	stats.Counters.NrActiveSteps.Add(1)

	w := builder.New(d.l, d.driver, d.reduce, d.policy)
	w.ReArm = func(st *types.Step, now time.Time) {
		st.Lock()
		after := st.State().After
		st.Unlock()
		time.AfterFunc(after.Sub(now), func() {
			if cur, ok := d.store.Step(st.DrvPath); ok && cur == st {
				d.store.MakeRunnableIfReady(st, time.Now())
				d.Wake()
			}
		})
	}
	w.RecordStart = d.RecordStart
	w.RecordFinish = d.RecordFinish

	go func() {
		defer func() {
			step.Lock()
			step.State().Reservations--
			step.Unlock()
			s.Running.Add(-1)
			stats.Counters.NrActiveSteps.Add(-1)
			d.store.PrunedUnreachable(step)
			if cur, ok := d.store.Step(step.DrvPath); ok && cur == step {
				d.store.MakeRunnableIfReady(step, time.Now())
			}
			d.Wake()
		}()
		w.Run(ctx, reservation, maxSilent, hardTimeout)
	}()
}

// maxTimeouts returns the widest maxSilentTime/hardTimeout requested by
// any build currently attached to step, falling back to a permissive
// default for steps reached only as someone else's dependency (no
// build of their own sets a tighter bound). Caller must hold step's
// lock.
func maxTimeouts(step *types.Step) (maxSilent, hardTimeout time.Duration) {
	const defaultMaxSilent = 30 * time.Minute
	const defaultHardTimeout = 10 * time.Hour

	for _, b := range step.State().Builds {
		if b.MaxSilentTime > maxSilent {
			maxSilent = b.MaxSilentTime
		}
		if b.HardTimeout > hardTimeout {
			hardTimeout = b.HardTimeout
		}
	}
	if maxSilent == 0 {
		maxSilent = defaultMaxSilent
	}
	if hardTimeout == 0 {
		hardTimeout = defaultHardTimeout
	}
	return maxSilent, hardTimeout
}

// sleepUntil clamps a deadline to a non-negative duration from now.
func sleepUntil(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d <= 0 {
		return 0
	}
	return d
}

