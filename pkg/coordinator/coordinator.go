// Package coordinator owns the single root object described in §9
// ("Global state... a single root coordinator object owning all maps
// and worker threads; its construction and teardown define the full
// lifecycle. No ambient singletons."). It wires together the graph
// store (C1), the machine registry (C2), the queue monitor (C3), the
// dispatcher (C4+C5), the outcome reducer (C7), and the aux queues
// (C8) into one process, grounded on the teacher's cmd/graph/main.go
// wiring sequence (construct -> enable persistence -> bootstrap ->
// mount HTTP -> wait on signal -> clean shutdown) lifted out of main
// into a reusable object.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/LumiGuide/hydra/pkg/auxqueue"
	"github.com/LumiGuide/hydra/pkg/builder"
	"github.com/LumiGuide/hydra/pkg/config"
	"github.com/LumiGuide/hydra/pkg/db"
	"github.com/LumiGuide/hydra/pkg/dispatcher"
	"github.com/LumiGuide/hydra/pkg/graph"
	"github.com/LumiGuide/hydra/pkg/httpapi"
	"github.com/LumiGuide/hydra/pkg/machines"
	"github.com/LumiGuide/hydra/pkg/queuemonitor"
	"github.com/LumiGuide/hydra/pkg/reducer"
	"github.com/LumiGuide/hydra/pkg/storage"
	"github.com/LumiGuide/hydra/pkg/types"
)

// Coordinator is the single process-wide object described in §9. It
// owns every long-lived component and the goroutines that drive them.
type Coordinator struct {
	l   hclog.Logger
	cfg *config.Config

	DB       *db.Pool
	Store    *graph.Store
	Machines *machines.Registry
	Monitor  *queuemonitor.Monitor
	Dispatch *dispatcher.Dispatcher
	Reducer  *reducer.Reducer
	HTTP     *httpapi.Server

	logQueue    *auxqueue.Queue[auxqueue.LogCompressItem]
	notifyQueue *auxqueue.Queue[auxqueue.NotifyItem]
	cacheStore  storage.Storage

	cancel context.CancelFunc
}

// Parser is the out-of-scope derivation-store collaborator required
// by pkg/queuemonitor, named here so callers constructing a
// Coordinator don't need to import pkg/queuemonitor directly.
type Parser = queuemonitor.DerivationStore

// Notifier is the out-of-scope external-notification collaborator
// required by pkg/auxqueue's notification-sender queue.
type Notifier = auxqueue.Notifier

// New constructs every component wired to cfg but starts nothing; call
// Run to begin the long-lived loops. parser and notifier are the two
// out-of-scope external collaborators (§1) the caller supplies - a
// real store-backed derivation parser and a real notification
// transport respectively - so pkg/coordinator itself never imports an
// implementation of either.
func New(l hclog.Logger, cfg *config.Config, parser Parser, notifier Notifier) (*Coordinator, error) {
	c := &Coordinator{l: l.Named("coordinator"), cfg: cfg}

	if cfg.DBDSN != "" {
		pool, err := db.Connect(context.Background(), cfg.DBDSN, db.WithLogger(l))
		if err != nil {
			return nil, fmt.Errorf("coordinator: connect to database: %w", err)
		}
		c.DB = pool
	}

	c.Store = graph.New(graph.WithLogger(l), graph.WithWakeFunc(func() {
		if c.Dispatch != nil {
			c.Dispatch.Wake()
		}
	}))

	c.Machines = machines.New(machines.WithLogger(l))

	if cfg.CachedFailureStore != "" {
		storage.SetLogger(l)
		storage.DoCallbacks()
		cache, err := storage.Initialize(cfg.CachedFailureStore)
		if err != nil {
			return nil, fmt.Errorf("coordinator: initialize %s cache store: %w", cfg.CachedFailureStore, err)
		}
		c.cacheStore = cache
	}

	builder.SetLogger(l)
	builder.DoCallbacks()
	driver, err := builder.ConstructDriver(cfg.RemoteBuildDriver)
	if err != nil {
		return nil, fmt.Errorf("coordinator: construct remote-build driver %q: %w", cfg.RemoteBuildDriver, err)
	}

	c.logQueue = auxqueue.NewLogCompressQueue(l, 256)
	if notifier != nil {
		c.notifyQueue = auxqueue.NewNotifyQueue(l, 256, notifier)
	}

	c.Reducer = reducer.New(l, c.Store, c.DB, c.logQueue, c.notifyQueue)
	if c.cacheStore != nil {
		c.Reducer.WithCacheStore(c.cacheStore)
	}

	policy := builder.RetryPolicy{
		MaxTries:          cfg.MaxTries,
		RetryInterval:     cfg.RetryInterval,
		RetryBackoff:      cfg.RetryBackoff,
		MaxMachineDisable: cfg.MaxMachineDisable,
	}
	c.Dispatch = dispatcher.New(l, c.Store, c.Machines, driver, c.Reducer, policy)
	if c.DB != nil {
		c.Dispatch.RecordStart = func(ctx context.Context, step *types.Step, machine *types.Machine, start time.Time) (int, error) {
			step.Lock()
			var buildID types.BuildID
			for id := range step.State().Builds {
				buildID = id
				break
			}
			step.Unlock()
			return c.DB.StartBuildStep(ctx, buildID, step.DrvPath, machine.Name, start.Unix())
		}
		c.Dispatch.RecordFinish = func(ctx context.Context, step *types.Step, machine *types.Machine, stepNr int, result builder.RemoteBuildResult, status types.BuildStepStatus) {
			step.Lock()
			var buildID types.BuildID
			for id := range step.State().Builds {
				buildID = id
				break
			}
			step.Unlock()
			if err := c.DB.FinishBuildStep(ctx, db.StepOutcome{
				BuildID:   buildID,
				StepNr:    stepNr,
				Status:    status,
				Machine:   machine.Name,
				StartTime: result.StartTime,
				StopTime:  result.StopTime,
				LogPath:   result.LogPath,
				Outputs:   result.Outputs,
			}); err != nil {
				l.Warn("failed to record build step finish", "drvpath", step.DrvPath, "error", err)
			}
		}
	}

	var opts []queuemonitor.Option
	if cfg.QueuePollInterval > 0 {
		opts = append(opts, queuemonitor.WithPollInterval(cfg.QueuePollInterval))
	}
	if cfg.DBRetryInterval > 0 {
		opts = append(opts, queuemonitor.WithDBRetryInterval(cfg.DBRetryInterval))
	}
	if c.cacheStore != nil {
		opts = append(opts, queuemonitor.WithCacheStore(c.cacheStore))
	}
	c.Monitor = queuemonitor.New(l, c.DB, c.Store, c.Machines, parser, opts...)

	// c.notifyQueue is a typed *auxqueue.Queue[NotifyItem] that may
	// itself be nil (no notifier configured); only wrap it in the
	// httpapi.QueueDepth interface when non-nil, else Len() would be
	// called through an interface holding a nil pointer.
	var notifyQueue httpapi.QueueDepth
	if c.notifyQueue != nil {
		notifyQueue = c.notifyQueue
	}

	httpSrv, err := httpapi.New(l, c.Dispatch.Stats, c.Machines, c.logQueue, notifyQueue, c.runBuildOne)
	if err != nil {
		return nil, fmt.Errorf("coordinator: construct http server: %w", err)
	}
	httpSrv.WithBuildStatusFunc(c.buildStatus)
	c.HTTP = httpSrv

	return c, nil
}

// Run starts every long-lived loop (machines-file watch, queue
// monitor, dispatcher, aux queues, HTTP) and blocks until ctx is
// cancelled, at which point it waits for each loop to return before
// returning itself.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	if c.DB != nil {
		if err := c.DB.AcquireGlobalLock(ctx); err != nil {
			return fmt.Errorf("coordinator: acquire global advisory lock: %w", err)
		}
	}

	if c.cfg.MachinesFile != "" {
		if err := c.Machines.Watch(ctx, c.cfg.MachinesFile, c.cfg.MachinesPollInterval); err != nil {
			return fmt.Errorf("coordinator: watch machines file: %w", err)
		}
	}

	go c.logQueue.Run(ctx)
	if c.notifyQueue != nil {
		go c.notifyQueue.Run(ctx)
	}

	go c.Dispatch.Run(ctx)

	monitorErr := make(chan error, 1)
	go func() { monitorErr <- c.Monitor.Run(ctx) }()

	httpErr := make(chan error, 1)
	if c.cfg.HTTPBind != "" {
		go func() { httpErr <- c.HTTP.Serve(c.cfg.HTTPBind) }()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-monitorErr:
		cancel()
		return err
	case err := <-httpErr:
		cancel()
		return err
	}
}

// Shutdown releases the global advisory lock and the database pool,
// per §6's "released on clean shutdown."
func (c *Coordinator) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.DB != nil {
		c.DB.Close()
	}
	if c.cacheStore != nil {
		if err := c.cacheStore.Close(); err != nil {
			c.l.Warn("failed to close cache store", "error", err)
		}
	}
}

// runBuildOne implements the §6 "--build-one <id>" control-surface
// trigger: seed the graph with exactly the named build by forcing the
// queue monitor to read and expand it regardless of lastSeenID, then
// wake the dispatcher. Full run-to-quiescence (waiting for the build
// to finish before returning) is the job of cmd/queue-runner-ctl's
// build-one subcommand, which polls the graph after calling this.
func (c *Coordinator) runBuildOne(buildID int64) error {
	if c.DB == nil {
		return fmt.Errorf("coordinator: build-one requires a configured database")
	}
	return c.Monitor.ExpandOne(context.Background(), types.BuildID(buildID))
}

// buildStatus backs GET /build/{id}: a build is "known" while it is
// still present in the graph's builds map, and FinishedInDB flips
// true exactly once per invariant 6 (§3) just before C7 removes it.
func (c *Coordinator) buildStatus(buildID int64) httpapi.BuildStatusResult {
	build, ok := c.Store.Build(types.BuildID(buildID))
	if !ok {
		return httpapi.BuildStatusResult{Known: false}
	}
	return httpapi.BuildStatusResult{Known: true, FinishedInDB: build.FinishedInDB()}
}
