package builder

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/LumiGuide/hydra/pkg/stats"
	"github.com/LumiGuide/hydra/pkg/types"
)

// Outcome describes how a reservation's remote build ended: run to
// completion (success or terminal failure) or rescheduled as a retry.
// Worker.Run does not construct one; it calls the Reducer's Success or
// Failure directly.
type Outcome struct {
	ReservationID string
	Step          *types.Step
	Machine       *types.Machine
	Result        RemoteBuildResult
	Err           error

	// Retried is true when the failure was classified retryable and
	// the step has already been re-armed with a new After and handed
	// to ReArm for re-insertion into the runnable set (§4.6 step 3) - the reducer
	// has nothing further to do for this outcome besides
	// bookkeeping.
	Retried bool

	NrTries int
}

// Reducer is the subset of pkg/reducer's behaviour a Worker needs:
// applying a terminal success or failure to the graph and database.
// Defined here (rather than imported from pkg/reducer) to keep
// pkg/builder free of a dependency on pkg/reducer, which itself
// depends on pkg/graph and pkg/db; the coordinator wires the concrete
// implementation in.
type Reducer interface {
	Success(ctx context.Context, step *types.Step, machine *types.Machine, result RemoteBuildResult)
	Failure(ctx context.Context, step *types.Step, machine *types.Machine, stepNr int, result RemoteBuildResult, status types.BuildStepStatus)
}

// RetryPolicy parameterizes §4.6 step 3's retry/backoff schedule and
// machine-penalization rule.
type RetryPolicy struct {
	MaxTries          int
	RetryInterval     time.Duration
	RetryBackoff      float64
	MaxMachineDisable time.Duration
}

// DefaultRetryPolicy matches §4.6's hard-coded defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:          5,
		RetryInterval:     60 * time.Second,
		RetryBackoff:      3.0,
		MaxMachineDisable: 24 * time.Hour,
	}
}

// Worker owns a single MachineReservation for its lifetime and drives
// it through the phases of §4.6: record start, invoke the remote
// build, classify the outcome, release.
type Worker struct {
	l      hclog.Logger
	driver RemoteBuildDriver
	policy RetryPolicy
	reduce Reducer

	// ReArm re-inserts a step into the runnable set after a retry's
	// After has been set, and wakes the dispatcher. The dispatcher
	// wires it to a timer that calls pkg/graph.Store.MakeRunnableIfReady
	// and Dispatcher.Wake once After has passed.
	ReArm func(step *types.Step, now time.Time)

	// RecordStart/RecordFinish are the §6 DB write-backs for
	// StartBuildStep/FinishBuildStep; left as callbacks for the
	// same dependency-direction reason as Reducer.
	RecordStart  func(ctx context.Context, step *types.Step, machine *types.Machine, start time.Time) (stepNr int, err error)
	RecordFinish func(ctx context.Context, step *types.Step, machine *types.Machine, stepNr int, result RemoteBuildResult, status types.BuildStepStatus)
}

// New constructs a Worker.
func New(l hclog.Logger, driver RemoteBuildDriver, reduce Reducer, policy RetryPolicy) *Worker {
	return &Worker{
		l:      l.Named("builder"),
		driver: driver,
		reduce: reduce,
		policy: policy,
		ReArm:  func(*types.Step, time.Time) {},
	}
}

// Run executes reservation's step against its machine and drives it
// through to release. It is meant to be launched as `go w.Run(...)`
// per reservation (§5 "short-lived threads: one builder per in-flight
// reservation").
func (w *Worker) Run(ctx context.Context, reservation *types.MachineReservation, maxSilentTime, hardTimeout time.Duration) {
	reservationID := uuid.NewString()
	step := reservation.Step
	machine := reservation.Machine

	defer reservation.Release(time.Now())

	var stepNr int
	if w.RecordStart != nil {
		var err error
		stepNr, err = w.RecordStart(ctx, step, machine, time.Now())
		if err != nil {
			w.l.Warn("failed to record step start, proceeding without a DB row", "drvpath", step.DrvPath, "error", err)
		}
	}

	result, err := w.driver.Build(ctx, step, machine, maxSilentTime, hardTimeout)
	if err != nil {
		w.l.Warn("remote build returned an error", "drvpath", step.DrvPath, "machine", machine.Name, "reservation", reservationID, "error", err)
	}

	if w.RecordFinish != nil {
		w.RecordFinish(ctx, step, machine, stepNr, result, w.classifyPersistedStatus(result))
	}

	switch {
	case result.Status == types.RemoteSuccess:
		machine.State.RecordSuccess()
		machine.State.NrStepsDone.Add(1)
		w.reduce.Success(ctx, step, machine, result)

	case !result.Status.CanRetry():
		w.reduce.Failure(ctx, step, machine, stepNr, result, w.classifyPersistedStatus(result))

	default:
		w.retryOrFail(ctx, step, machine, stepNr, result)
	}
}

// retryOrFail implements §4.6 step 3: increment Tries; convert to
// terminal failure past maxTries, else re-arm After with exponential
// backoff and re-insert into the runnable set. Also penalizes the
// machine on repeated transient failures.
func (w *Worker) retryOrFail(ctx context.Context, step *types.Step, machine *types.Machine, stepNr int, result RemoteBuildResult) {
	now := time.Now()

	step.Lock()
	step.State().Tries++
	tries := step.State().Tries
	step.Unlock()

	machine.State.RecordFailure(now, func(n int) time.Duration {
		return backoffDuration(w.policy.RetryInterval, w.policy.RetryBackoff, n)
	}, w.policy.MaxMachineDisable)

	if tries > w.policy.MaxTries {
		w.l.Info("step exhausted retry budget, converting to terminal failure", "drvpath", step.DrvPath, "tries", tries)
		w.reduce.Failure(ctx, step, machine, stepNr, result, types.StepFailed)
		return
	}

	after := now.Add(backoffDuration(w.policy.RetryInterval, w.policy.RetryBackoff, tries))
	step.Lock()
	step.State().After = after
	step.Unlock()

	stats.Counters.NrRetries.Add(1)
	w.l.Info("step failed, scheduled for retry", "drvpath", step.DrvPath, "tries", tries, "after", after)
	w.ReArm(step, now)
}

// classifyPersistedStatus maps a RemoteBuildResult to the
// BuildStepStatus persisted by §4.6's DB write-back.
func (w *Worker) classifyPersistedStatus(result RemoteBuildResult) types.BuildStepStatus {
	switch result.Status {
	case types.RemoteSuccess:
		return types.StepSuccess
	case types.RemoteTimeout:
		return types.StepTimedOut
	case types.RemoteLogLimitExceeded:
		return types.StepLogLimitExceeded
	case types.RemoteOutputRejected:
		return types.StepFailed
	case types.RemotePermanentFailure:
		return types.StepFailed
	default:
		return types.StepBusy
	}
}

// backoffDuration computes retryInterval * retryBackoff^(tries-1), the
// schedule named in §4.6. cenkalti/backoff/v5's ExponentialBackOff
// models a continuously-growing interval rather than this discrete
// exponent, so the arithmetic is inlined here; backoff/v5 is used as
// designed elsewhere (DB reconnects, builds_updated listener
// reconnects - see pkg/db) where its own accumulating-interval model
// fits.
func backoffDuration(interval time.Duration, factor float64, tries int) time.Duration {
	d := float64(interval)
	for i := 1; i < tries; i++ {
		d *= factor
	}
	return time.Duration(d)
}
