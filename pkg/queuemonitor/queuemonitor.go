// Package queuemonitor implements C3: the single long-running loop
// that reads newly queued builds from the database, expands each
// derivation's dependency closure into the graph store, and applies
// out-of-band queue-change signals (cancellations, priority bumps)
// (§4.3). Grounded on the teacher's pkg/graph/manager.go
// Bootstrap/SyncTo convergence loop (import everything once, then
// converge on incremental changes), generalized from "import changed
// srcpkgs on a git pull" to "expand newly queued builds on a DB read".
package queuemonitor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/LumiGuide/hydra/pkg/db"
	"github.com/LumiGuide/hydra/pkg/graph"
	"github.com/LumiGuide/hydra/pkg/machines"
	"github.com/LumiGuide/hydra/pkg/stats"
	"github.com/LumiGuide/hydra/pkg/storage"
	"github.com/LumiGuide/hydra/pkg/types"
)

// cachedFailureKeyPrefix namespaces §4.8's cached-failure entries
// within the shared storage.Storage keyspace.
const cachedFailureKeyPrefix = "cachedfailure/"

// Monitor is C3.
type Monitor struct {
	l        hclog.Logger
	db       *db.Pool
	store    *graph.Store
	machines *machines.Registry
	parser   DerivationStore

	// cache is an optional fast local lookup for §4.8's cached-failure
	// check, populated by pkg/reducer's failure path, consulted before
	// falling back to a database round-trip through db.CheckCachedFailure.
	// Nil disables the local cache without disabling the check itself.
	cache storage.Storage

	pollInterval    time.Duration
	dbRetryInterval time.Duration
	parallelism     int

	lastSeenMu sync.Mutex
	lastSeenID types.BuildID

	expandMu  sync.Mutex
	expanding map[string]chan struct{}
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithPollInterval overrides the default queue-read interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.pollInterval = d }
}

// WithDBRetryInterval overrides the default DB-retry backoff base.
func WithDBRetryInterval(d time.Duration) Option {
	return func(m *Monitor) { m.dbRetryInterval = d }
}

// WithParallelism bounds how many builds are expanded concurrently.
func WithParallelism(n int) Option {
	return func(m *Monitor) { m.parallelism = n }
}

// WithCacheStore installs a local storage.Storage (e.g. the bitcask
// backend in pkg/storage/bc) consulted before a database round-trip on
// every §4.8 cached-failure check.
func WithCacheStore(s storage.Storage) Option {
	return func(m *Monitor) { m.cache = s }
}

// New constructs a Monitor.
func New(l hclog.Logger, pool *db.Pool, store *graph.Store, reg *machines.Registry, parser DerivationStore, opts ...Option) *Monitor {
	m := &Monitor{
		l:               l.Named("queuemonitor"),
		db:              pool,
		store:           store,
		machines:        reg,
		parser:          parser,
		pollInterval:    10 * time.Second,
		dbRetryInterval: 2 * time.Second,
		parallelism:     8,
		expanding:       make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run drives both halves of C3 - the poll loop and the queue-change
// listener - until ctx is canceled, per §4.3's "a single long-running
// loop" generalized into two cooperating goroutines that share the
// graph store. A DB error from either does not stop the other or crash
// the process (§4.3 "Failure semantics"); it is logged and retried.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { m.pollLoop(ctx); return nil })
	g.Go(func() error { m.listenLoop(ctx); return nil })
	return g.Wait()
}

// pollLoop implements §4.3 step 1's repeated read, retrying a failed
// read with exponential backoff rather than propagating the error.
func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.dbRetryInterval

	for {
		if err := m.pollOnce(ctx); err != nil {
			m.l.Warn("queue poll failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce reads every build newer than lastSeenID and expands each
// concurrently, bounded by m.parallelism.
func (m *Monitor) pollOnce(ctx context.Context) error {
	m.lastSeenMu.Lock()
	lastSeen := m.lastSeenID
	m.lastSeenMu.Unlock()

	builds, err := m.db.ReadQueuedBuilds(ctx, lastSeen, 200)
	if err != nil {
		return err
	}
	if len(builds) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)

	var maxID types.BuildID
	for _, qb := range builds {
		qb := qb
		if qb.ID > maxID {
			maxID = qb.ID
		}
		if _, known := m.store.Build(qb.ID); known {
			continue
		}
		stats.Counters.NrBuildsRead.Add(1)
		g.Go(func() error {
			m.expandBuild(gctx, qb)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.lastSeenMu.Lock()
	if maxID > m.lastSeenID {
		m.lastSeenID = maxID
	}
	m.lastSeenMu.Unlock()
	return nil
}

// listenLoop consumes decoded queue-change notifications and applies
// each to the graph (§4.3's "queue change" signal handling).
func (m *Monitor) listenLoop(ctx context.Context) {
	changes := m.db.Listen(ctx, m.dbRetryInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			m.applyQueueChange(ctx, change)
		}
	}
}

// applyQueueChange dispatches a single decoded builds_updated payload.
func (m *Monitor) applyQueueChange(ctx context.Context, change db.QueueChange) {
	build, ok := m.store.Build(change.BuildID)
	if !ok {
		return
	}

	now := time.Now()
	switch change.Kind {
	case db.QueueChangeCancel:
		if build.FinishedInDB() {
			return
		}
		dropped := m.store.CancelBuild(build, now)
		if m.db != nil {
			if err := m.db.FinalizeBuild(ctx, build.ID, types.BuildAborted, now.Unix(), 0, 0); err != nil {
				m.l.Warn("failed to finalize cancelled build", "build", build.ID, "error", err)
			}
		}
		stats.Counters.NrBuildsDone.Add(1)
		m.l.Info("build cancelled", "build", build.ID, "steps_dropped", len(dropped))

	case db.QueueChangeBump:
		m.store.BumpPriority(build, change.LocalPriority, change.GlobalPriority, now)
	}

	m.store.WakeDispatcher()
}

// ExpandOne implements the §6 "--build-one <id>" control-surface
// trigger: read exactly one build by id, regardless of lastSeenID,
// and expand it into the graph the same way a regular poll would.
// ExpandOne does not advance lastSeenID; a build it expanded that is
// newer than lastSeenID is not double-counted on the next regular
// poll because pollOnce skips builds already present in the graph.
func (m *Monitor) ExpandOne(ctx context.Context, id types.BuildID) error {
	qb, err := m.db.ReadBuild(ctx, id)
	if err != nil {
		return err
	}
	stats.Counters.NrBuildsRead.Add(1)
	m.expandBuild(ctx, qb)
	return nil
}

// expandBuild implements §4.3 steps 1-6 for a single queued build:
// parse and recursively expand its derivation closure, attach it to
// its jobset, propagate priorities, and wake the dispatcher. Any
// expansion failure fails the build immediately rather than crashing
// the monitor (§4.3 "Failure semantics").
func (m *Monitor) expandBuild(ctx context.Context, qb db.QueuedBuild) {
	drv, err := m.parser.Parse(ctx, qb.DrvPath)
	if err != nil {
		m.l.Warn("failed to parse top-level derivation, aborting build", "build", qb.ID, "drvpath", qb.DrvPath, "error", err)
		m.finalizeImmediately(ctx, qb.ID, types.BuildAborted)
		return
	}

	step, cached, unsupported, cachedFailure, err := m.expandDerivation(ctx, drv)
	switch {
	case err != nil:
		m.l.Warn("derivation expansion failed, aborting build", "build", qb.ID, "drvpath", qb.DrvPath, "error", err)
		m.finalizeImmediately(ctx, qb.ID, types.BuildAborted)
		return
	case cached:
		m.l.Debug("build satisfied entirely from cache", "build", qb.ID, "drvpath", qb.DrvPath)
		m.finalizeImmediately(ctx, qb.ID, types.BuildSuccess)
		return
	case cachedFailure:
		m.l.Info("build requires a derivation with a cached failure, failing immediately", "build", qb.ID, "drvpath", qb.DrvPath)
		m.finalizeImmediately(ctx, qb.ID, types.BuildCachedFailure)
		if step != nil {
			m.store.PrunedUnreachable(step)
		}
		return
	case unsupported:
		m.l.Info("build references an unsupported derivation, failing immediately", "build", qb.ID, "drvpath", qb.DrvPath)
		m.finalizeImmediately(ctx, qb.ID, types.BuildUnsupported)
		if step != nil {
			m.store.PrunedUnreachable(step)
		}
		return
	}

	build := types.NewBuild(qb.ID, qb.DrvPath, qb.Project, qb.Jobset, qb.Job)
	build.SubmitTime = qb.SubmitTime
	build.MaxSilentTime = qb.MaxSilentTime
	build.HardTimeout = qb.HardTimeout
	build.SetPriorities(qb.LocalPriority, qb.GlobalPriority)
	build.Toplevel = step
	build.JobsetRef = m.store.GetOrCreateJobset(qb.Project, qb.Jobset)

	m.store.AddBuild(build)
	m.store.AttachBuild(build, step)
	m.store.PropagatePriorities(build, time.Now())
	m.store.WakeDispatcher()
}

// expandDerivation recursively expands drv per §4.3 step 1, returning
// either a wired step, or cached=true if its outputs are already
// realised, or unsupported=true if no known machine can ever build it,
// or cachedFailure=true if §4.8's persistent failure cache already has
// an entry for one of drv's own outputs (checked before a step is ever
// inserted into the graph, per §4.8 "Before C3 creates a step, it
// consults a persistent cache of previously failed derivation output
// paths"). Concurrent expansions of the same not-yet-created
// derivation path (reached as a shared dependency of two builds read
// in the same poll) are serialized through m.expanding so a dependent
// never observes a partially-wired step.
func (m *Monitor) expandDerivation(ctx context.Context, drv types.Derivation) (step *types.Step, cached, unsupported, cachedFailure bool, err error) {
	if existing, ok := m.store.Step(drv.DrvPath); ok {
		m.awaitExpansion(drv.DrvPath)
		existing.Lock()
		unsupported = existing.State().Unsupported
		existing.Unlock()
		return existing, false, unsupported, false, nil
	}

	if hit, err := m.hasCachedFailure(ctx, drv.Outputs); err != nil {
		return nil, false, false, false, err
	} else if hit {
		return nil, false, false, true, nil
	}

	realised, err := m.parser.OutputsRealised(ctx, drv.Outputs)
	if err != nil {
		return nil, false, false, false, err
	}
	if realised {
		return nil, true, false, false, nil
	}

	done, alreadyInflight := m.beginExpansion(drv.DrvPath)
	if alreadyInflight {
		m.awaitExpansion(drv.DrvPath)
		existing, _ := m.store.Step(drv.DrvPath)
		if existing == nil {
			return nil, false, false, false, nil
		}
		existing.Lock()
		unsupported = existing.State().Unsupported
		existing.Unlock()
		return existing, false, unsupported, false, nil
	}
	defer m.finishExpansion(drv.DrvPath, done)

	step, created := m.store.GetOrCreateStep(drv)
	if !created {
		return step, false, false, false, nil
	}

	if len(m.machines.MachinesSupporting(step)) == 0 {
		step.Lock()
		step.State().Unsupported = true
		step.Unlock()
		return step, false, true, false, nil
	}

	for _, childPath := range drv.InputDrvPaths {
		childDrv, err := m.parser.Parse(ctx, childPath)
		if err != nil {
			step.Lock()
			step.State().Unsupported = true
			step.Unlock()
			return step, false, true, false, nil
		}

		childStep, childCached, childUnsupported, childCachedFailure, err := m.expandDerivation(ctx, childDrv)
		if err != nil {
			return step, false, false, false, err
		}
		if childCachedFailure {
			// A dependency has a cached failure: this step can never
			// succeed either, so it is unsupported-in-spirit per
			// §4.8/§4.3 - fail it the same way as an unsupported
			// platform rather than inserting it into the graph only
			// to fail it on first dispatch.
			step.Lock()
			step.State().Unsupported = true
			step.Unlock()
			return step, false, false, true, nil
		}
		if childUnsupported {
			step.Lock()
			step.State().Unsupported = true
			step.Unlock()
			return step, false, true, false, nil
		}
		if childCached {
			continue
		}
		m.store.AddDependency(step, childStep)
	}

	return step, false, false, false, nil
}

// hasCachedFailure implements §4.8's lookup half: a hit on any of
// outputs' store paths short-circuits the build without entering the
// graph. The local cache (if configured) is checked first to avoid a
// database round-trip on the common case of a failure that recurs
// across many dependent builds; a miss there falls back to
// db.CheckCachedFailure, which is authoritative across queue-runner
// processes. Returns false, nil when neither is configured (e.g. unit
// tests exercising the monitor against fakes only).
func (m *Monitor) hasCachedFailure(ctx context.Context, outputs map[string]string) (bool, error) {
	for _, path := range outputs {
		if m.cache != nil {
			v, err := m.cache.Get([]byte(cachedFailureKeyPrefix + path))
			if err != nil {
				m.l.Warn("local cached-failure lookup failed, falling back to database", "path", path, "error", err)
			} else if v != nil {
				return true, nil
			}
		}

		if m.db == nil {
			continue
		}
		_, hit, err := m.db.CheckCachedFailure(ctx, path)
		if err != nil {
			return false, err
		}
		if hit {
			return true, nil
		}
	}
	return false, nil
}

func (m *Monitor) beginExpansion(drvPath string) (done chan struct{}, alreadyInflight bool) {
	m.expandMu.Lock()
	defer m.expandMu.Unlock()
	if ch, ok := m.expanding[drvPath]; ok {
		return ch, true
	}
	ch := make(chan struct{})
	m.expanding[drvPath] = ch
	return ch, false
}

func (m *Monitor) finishExpansion(drvPath string, done chan struct{}) {
	m.expandMu.Lock()
	delete(m.expanding, drvPath)
	m.expandMu.Unlock()
	close(done)
}

func (m *Monitor) awaitExpansion(drvPath string) {
	m.expandMu.Lock()
	ch, ok := m.expanding[drvPath]
	m.expandMu.Unlock()
	if ok {
		<-ch
	}
}

// finalizeImmediately writes a terminal build-status row for a build
// that never entered the graph (cached-success, unsupported, or a
// parse/expansion failure).
func (m *Monitor) finalizeImmediately(ctx context.Context, id types.BuildID, status types.BuildStatus) {
	if m.db != nil {
		if err := m.db.FinalizeBuild(ctx, id, status, time.Now().Unix(), 0, 0); err != nil {
			m.l.Warn("failed to finalize build", "build", id, "status", status, "error", err)
		}
	}
	stats.Counters.NrBuildsDone.Add(1)
}
