// Package reducer implements C7, the outcome reducer: applying a
// step's terminal outcome to the in-memory graph and the database of
// record in a single transaction each, per §4.7. Grounded on the
// teacher's pkg/graph/http.go httpFailPkg/httpUnfailPkg (graph
// mutation triggered by an external outcome report) and
// pkg/dispatchable's dirty-propagation idea, generalized to the full
// success/failure algorithm in original_source/state.hh's
// finishBuildStep / markSucceededBuild / checkCachedFailure.
package reducer

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/LumiGuide/hydra/pkg/auxqueue"
	"github.com/LumiGuide/hydra/pkg/builder"
	"github.com/LumiGuide/hydra/pkg/db"
	"github.com/LumiGuide/hydra/pkg/graph"
	"github.com/LumiGuide/hydra/pkg/stats"
	"github.com/LumiGuide/hydra/pkg/storage"
	"github.com/LumiGuide/hydra/pkg/types"
)

// cachedFailureKeyPrefix matches pkg/queuemonitor's namespacing for
// the shared storage.Storage keyspace.
const cachedFailureKeyPrefix = "cachedfailure/"

// Reducer ties the graph store, the database, and the aux queues
// together for the two outcome paths of §4.7.
type Reducer struct {
	l     hclog.Logger
	store *graph.Store
	db    *db.Pool

	// cache mirrors pkg/queuemonitor's local cached-failure lookup
	// store: every output path recorded here on the failure path is
	// the fast-path data future expansions consult before falling
	// back to db.CheckCachedFailure.
	cache storage.Storage

	logQueue    *auxqueue.Queue[auxqueue.LogCompressItem]
	notifyQueue *auxqueue.Queue[auxqueue.NotifyItem]
}

// New constructs a Reducer.
func New(l hclog.Logger, store *graph.Store, database *db.Pool, logQueue *auxqueue.Queue[auxqueue.LogCompressItem], notifyQueue *auxqueue.Queue[auxqueue.NotifyItem]) *Reducer {
	return &Reducer{
		l:           l.Named("reducer"),
		store:       store,
		db:          database,
		logQueue:    logQueue,
		notifyQueue: notifyQueue,
	}
}

// WithCacheStore installs the local cached-failure store. Returns the
// Reducer for convenient chaining at construction time.
func (r *Reducer) WithCacheStore(s storage.Storage) *Reducer {
	r.cache = s
	return r
}

// Success implements §4.7's success path.
func (r *Reducer) Success(ctx context.Context, step *types.Step, machine *types.Machine, result builder.RemoteBuildResult) {
	stats.Counters.NrStepsDone.Add(1)

	if r.logQueue != nil && result.LogPath != "" {
		r.logQueue.Enqueue(auxqueue.LogCompressItem{LogPath: result.LogPath})
	}

	step.Lock()
	st := step.State()
	rdeps := make([]*types.Step, 0, len(st.RDeps))
	for _, d := range st.RDeps {
		rdeps = append(rdeps, d)
	}
	builds := make([]*types.Build, 0, len(st.Builds))
	for _, b := range st.Builds {
		builds = append(builds, b)
	}
	jobsets := make([]*types.Jobset, 0, len(st.Jobsets))
	for _, js := range st.Jobsets {
		jobsets = append(jobsets, js)
	}
	step.Unlock()

	now := time.Now()
	duration := result.StopTime.Sub(result.StartTime)
	for _, js := range jobsets {
		js.AddStep(result.StartTime, duration)
	}

	for _, dependent := range rdeps {
		if r.store.RemoveDependency(dependent, step, now) {
			r.store.MakeRunnableIfReady(dependent, now)
		}
	}

	for _, b := range builds {
		if !b.MarkFinishedInDB() {
			continue
		}
		// Always bsSuccess: classifying a successful remote build as
		// bsFailedWithOutput (output present but the build is
		// considered failed, e.g. by a post-build check) needs the
		// remote-build classification to report that distinction,
		// which is out of scope per §1 - RemoteBuildResult only carries
		// RemoteSuccess/RemoteTransientFailure/etc.
		status := types.BuildSuccess

		if r.db != nil {
			if err := r.db.FinalizeBuild(ctx, b.ID, status, now.Unix(), 0, 0); err != nil {
				r.l.Warn("failed to finalize successful build", "build", b.ID, "error", err)
			}
		}

		r.store.RemoveBuild(b.ID)
		r.store.DetachBuild(b, step)

		if r.notifyQueue != nil {
			r.notifyQueue.Enqueue(auxqueue.NotifyItem{
				BuildID: b.ID, Project: b.Project, Jobset: b.Jobset, Job: b.Job, Status: status,
			})
		}
		stats.Counters.NrBuildsDone.Add(1)
	}

	// Unconditional: a step with no builds of its own (the common
	// interior-DAG-node case) just had its rdeps cleared above and is
	// now unreachable too, per §3's "steps map holds weak references
	// only" - pruning must not be gated on this step having owned a
	// build.
	r.store.PrunedUnreachable(step)

	r.store.WakeDispatcher()
}

// Failure implements §4.7's failure path: mark the step failed with
// status, finalize every transitively-dependent build as bsDepFailed,
// finalize the step's own top-level builds with the specific status,
// cache the failure for §4.8, and drop the now-unreachable chain.
// stepNr is the buildsteps row number RecordStart allocated for this
// run (0 if the DB write-back is disabled or failed); it pins the
// propagated-from reference to the build-step that actually failed
// rather than just the build it happened to be attached to.
func (r *Reducer) Failure(ctx context.Context, step *types.Step, machine *types.Machine, stepNr int, result builder.RemoteBuildResult, status types.BuildStepStatus) {
	stats.Counters.NrStepsDone.Add(1)

	if r.logQueue != nil && result.LogPath != "" {
		r.logQueue.Enqueue(auxqueue.LogCompressItem{LogPath: result.LogPath})
	}

	directBuildIDs := map[types.BuildID]bool{}
	step.Lock()
	for id := range step.State().Builds {
		directBuildIDs[id] = true
	}
	step.Unlock()

	_, allBuilds := r.store.TransitiveDependents(step)

	now := time.Now()
	buildStatus := buildStatusForStepStatus(status)

	var originatingBuildID types.BuildID
	for _, b := range allBuilds {
		if directBuildIDs[b.ID] {
			originatingBuildID = b.ID
			break
		}
	}

	for _, b := range allBuilds {
		if !b.MarkFinishedInDB() {
			continue
		}

		thisStatus := types.BuildDepFailed
		propagatedFromBuild := originatingBuildID
		propagatedFromStepNr := stepNr
		if directBuildIDs[b.ID] {
			thisStatus = buildStatus
			propagatedFromBuild = 0
			propagatedFromStepNr = 0
		}

		if r.db != nil {
			if err := r.db.FinalizeBuild(ctx, b.ID, thisStatus, now.Unix(), propagatedFromBuild, propagatedFromStepNr); err != nil {
				r.l.Warn("failed to finalize failed build", "build", b.ID, "error", err)
			}
		}

		r.store.RemoveBuild(b.ID)
		if b.Toplevel != nil {
			r.store.DetachBuild(b, b.Toplevel)
		}

		if r.notifyQueue != nil {
			r.notifyQueue.Enqueue(auxqueue.NotifyItem{
				BuildID: b.ID, Project: b.Project, Jobset: b.Jobset, Job: b.Job, Status: thisStatus,
			})
		}
		stats.Counters.NrBuildsDone.Add(1)
	}

	if len(step.Derivation.Outputs) > 0 {
		outs := make([]string, 0, len(step.Derivation.Outputs))
		for _, path := range step.Derivation.Outputs {
			outs = append(outs, path)
		}

		if r.db != nil {
			if err := r.db.RecordCachedFailure(ctx, outs, originatingBuildID); err != nil {
				r.l.Warn("failed to record cached failure", "drvpath", step.DrvPath, "error", err)
			}
		}

		if r.cache != nil {
			for _, out := range outs {
				if err := r.cache.Put([]byte(cachedFailureKeyPrefix+out), []byte{1}); err != nil {
					r.l.Warn("failed to record local cached failure", "path", out, "error", err)
				}
			}
		}
	}

	step.Lock()
	for id := range step.State().Builds {
		delete(step.State().Builds, id)
	}
	step.Unlock()

	for _, b := range allBuilds {
		if b.Toplevel != nil {
			r.store.PrunedUnreachable(b.Toplevel)
		}
	}
	r.store.PrunedUnreachable(step)
	r.store.WakeDispatcher()
}

func buildStatusForStepStatus(s types.BuildStepStatus) types.BuildStatus {
	switch s {
	case types.StepTimedOut:
		return types.BuildTimedOut
	case types.StepLogLimitExceeded:
		return types.BuildLogLimitExceeded
	case types.StepUnsupported:
		return types.BuildUnsupported
	case types.StepAborted:
		return types.BuildAborted
	case types.StepCachedFailure:
		return types.BuildCachedFailure
	default:
		return types.BuildFailed
	}
}
