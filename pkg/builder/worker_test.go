package builder

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumiGuide/hydra/pkg/types"
)

type fakeDriver struct {
	result RemoteBuildResult
	err    error
}

func (f *fakeDriver) Build(ctx context.Context, step *types.Step, machine *types.Machine, maxSilentTime, hardTimeout time.Duration) (RemoteBuildResult, error) {
	return f.result, f.err
}

type fakeReducer struct {
	successes  []*types.Step
	failures   []*types.Step
	lastCode   types.BuildStepStatus
	lastStepNr int
}

func (f *fakeReducer) Success(ctx context.Context, step *types.Step, machine *types.Machine, result RemoteBuildResult) {
	f.successes = append(f.successes, step)
}

func (f *fakeReducer) Failure(ctx context.Context, step *types.Step, machine *types.Machine, stepNr int, result RemoteBuildResult, status types.BuildStepStatus) {
	f.failures = append(f.failures, step)
	f.lastCode = status
	f.lastStepNr = stepNr
}

func newTestStep() *types.Step {
	return types.NewStep(types.Derivation{DrvPath: "/store/foo.drv", Platform: "x86_64-linux"})
}

func newTestMachine() *types.Machine {
	m := types.NewMachine("builder1")
	m.SystemTypes["x86_64-linux"] = struct{}{}
	return m
}

func reservationFor(step *types.Step, m *types.Machine) *types.MachineReservation {
	return types.NewMachineReservation(step, m)
}

func TestWorkerRunSuccessReleasesReservationAndCallsSuccess(t *testing.T) {
	step := newTestStep()
	machine := newTestMachine()
	reservation := reservationFor(step, machine)

	reduce := &fakeReducer{}
	w := New(hclog.NewNullLogger(), &fakeDriver{result: RemoteBuildResult{Status: types.RemoteSuccess}}, reduce, RetryPolicy{MaxTries: 5, RetryInterval: time.Minute, RetryBackoff: 3, MaxMachineDisable: time.Hour})

	w.Run(context.Background(), reservation, time.Minute, time.Hour)

	require.Len(t, reduce.successes, 1)
	assert.Equal(t, step, reduce.successes[0])
	assert.Equal(t, int64(0), machine.State.CurrentJobs.Load())
}

func TestWorkerRunPermanentFailureIsNonRetryable(t *testing.T) {
	step := newTestStep()
	machine := newTestMachine()
	reservation := reservationFor(step, machine)

	reduce := &fakeReducer{}
	w := New(hclog.NewNullLogger(), &fakeDriver{result: RemoteBuildResult{Status: types.RemotePermanentFailure}}, reduce, RetryPolicy{MaxTries: 5, RetryInterval: time.Minute, RetryBackoff: 3, MaxMachineDisable: time.Hour})

	w.Run(context.Background(), reservation, time.Minute, time.Hour)

	require.Len(t, reduce.failures, 1)
	assert.Zero(t, step.State().Tries)
}

func TestWorkerRunTransientFailureIncrementsTriesAndSetsAfter(t *testing.T) {
	step := newTestStep()
	machine := newTestMachine()
	reservation := reservationFor(step, machine)

	var rearmed bool
	reduce := &fakeReducer{}
	w := New(hclog.NewNullLogger(), &fakeDriver{result: RemoteBuildResult{Status: types.RemoteTransientFailure}}, reduce, RetryPolicy{MaxTries: 5, RetryInterval: time.Minute, RetryBackoff: 3, MaxMachineDisable: time.Hour})
	w.ReArm = func(s *types.Step, now time.Time) { rearmed = true }

	before := time.Now()
	w.Run(context.Background(), reservation, time.Minute, time.Hour)

	assert.Empty(t, reduce.failures)
	assert.True(t, rearmed)
	step.Lock()
	assert.Equal(t, 1, step.State().Tries)
	assert.True(t, step.State().After.After(before))
	step.Unlock()
}

func TestWorkerRunExhaustsRetryBudgetConvertsToTerminalFailure(t *testing.T) {
	step := newTestStep()
	machine := newTestMachine()

	reduce := &fakeReducer{}
	w := New(hclog.NewNullLogger(), &fakeDriver{result: RemoteBuildResult{Status: types.RemoteTransientFailure}}, reduce, RetryPolicy{MaxTries: 2, RetryInterval: time.Millisecond, RetryBackoff: 2, MaxMachineDisable: time.Hour})
	w.ReArm = func(*types.Step, time.Time) {}

	for i := 0; i < 3; i++ {
		reservation := reservationFor(step, machine)
		w.Run(context.Background(), reservation, time.Minute, time.Hour)
	}

	require.Len(t, reduce.failures, 1)
	assert.Equal(t, types.StepFailed, reduce.lastCode)
}

func TestWorkerRunThreadsStepNrIntoFailure(t *testing.T) {
	step := newTestStep()
	machine := newTestMachine()
	reservation := reservationFor(step, machine)

	reduce := &fakeReducer{}
	w := New(hclog.NewNullLogger(), &fakeDriver{result: RemoteBuildResult{Status: types.RemotePermanentFailure}}, reduce, RetryPolicy{MaxTries: 5, RetryInterval: time.Minute, RetryBackoff: 3, MaxMachineDisable: time.Hour})
	w.RecordStart = func(ctx context.Context, s *types.Step, m *types.Machine, start time.Time) (int, error) {
		return 42, nil
	}

	w.Run(context.Background(), reservation, time.Minute, time.Hour)

	require.Len(t, reduce.failures, 1)
	assert.Equal(t, 42, reduce.lastStepNr)
}

func TestWorkerRunRecordsStartAndFinishCallbacks(t *testing.T) {
	step := newTestStep()
	machine := newTestMachine()
	reservation := reservationFor(step, machine)

	reduce := &fakeReducer{}
	w := New(hclog.NewNullLogger(), &fakeDriver{result: RemoteBuildResult{Status: types.RemoteSuccess}}, reduce, RetryPolicy{MaxTries: 5, RetryInterval: time.Minute, RetryBackoff: 3, MaxMachineDisable: time.Hour})

	var startCalled, finishCalled bool
	var finishMachine *types.Machine
	w.RecordStart = func(ctx context.Context, s *types.Step, m *types.Machine, start time.Time) (int, error) {
		startCalled = true
		return 7, nil
	}
	w.RecordFinish = func(ctx context.Context, s *types.Step, m *types.Machine, stepNr int, result RemoteBuildResult, status types.BuildStepStatus) {
		finishCalled = true
		finishMachine = m
		assert.Equal(t, 7, stepNr)
	}

	w.Run(context.Background(), reservation, time.Minute, time.Hour)

	assert.True(t, startCalled)
	assert.True(t, finishCalled)
	assert.Equal(t, machine, finishMachine)
}
