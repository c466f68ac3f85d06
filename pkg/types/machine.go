package types

import (
	"sync"
	"sync/atomic"
	"time"
)

// Machine is a remote builder (§3).
type Machine struct {
	Name   string // sshName
	SSHKey string

	SystemTypes       map[string]struct{}
	SupportedFeatures map[string]struct{}
	MandatoryFeatures map[string]struct{}

	MaxJobs           int
	SpeedFactor       float64
	PublicHostKey     string

	enabledMu sync.RWMutex
	enabled   bool

	State *MachineState

	// SendLock serializes outbound transfers to this machine: one
	// at a time per machine (§3, §5).
	SendLock sync.Mutex
}

// NewMachine returns a Machine with its counters initialized and
// enabled by default.
func NewMachine(name string) *Machine {
	return &Machine{
		Name:              name,
		SystemTypes:       make(map[string]struct{}),
		SupportedFeatures: make(map[string]struct{}),
		MandatoryFeatures: make(map[string]struct{}),
		MaxJobs:           1,
		SpeedFactor:       1.0,
		enabled:           true,
		State:             &MachineState{},
	}
}

// Enabled reports whether this machine currently accepts new steps.
func (m *Machine) Enabled() bool {
	m.enabledMu.RLock()
	defer m.enabledMu.RUnlock()
	return m.enabled
}

// SetEnabled toggles whether this machine accepts new steps.
func (m *Machine) SetEnabled(v bool) {
	m.enabledMu.Lock()
	defer m.enabledMu.Unlock()
	m.enabled = v
}

// MachineState holds the live, frequently-updated state of a machine.
// Counters are lock-free atomics per §5 "Counters for observability
// are lock-free atomic."
type MachineState struct {
	CurrentJobs       atomic.Int64
	NrStepsDone       atomic.Int64
	TotalStepTime     atomic.Int64 // seconds
	TotalStepBuildTime atomic.Int64 // seconds
	IdleSince         atomic.Int64 // unix seconds, 0 if busy

	connMu           sync.Mutex
	lastFailure      time.Time
	disabledUntil    time.Time
	consecutiveFails int
}

// ConnectInfo is a read-only snapshot of a machine's failure/backoff
// bookkeeping.
type ConnectInfo struct {
	LastFailure         time.Time
	DisabledUntil       time.Time
	ConsecutiveFailures int
}

// Snapshot returns the current connect-info under lock.
func (ms *MachineState) Snapshot() ConnectInfo {
	ms.connMu.Lock()
	defer ms.connMu.Unlock()
	return ConnectInfo{
		LastFailure:         ms.lastFailure,
		DisabledUntil:       ms.disabledUntil,
		ConsecutiveFailures: ms.consecutiveFails,
	}
}

// RecordFailure bumps the consecutive-failure counter and sets
// disabledUntil to now+backoff, capped at maxBackoff (§4.6).
func (ms *MachineState) RecordFailure(now time.Time, backoff func(tries int) time.Duration, maxBackoff time.Duration) {
	ms.connMu.Lock()
	defer ms.connMu.Unlock()
	ms.lastFailure = now
	ms.consecutiveFails++
	d := backoff(ms.consecutiveFails)
	if d > maxBackoff {
		d = maxBackoff
	}
	ms.disabledUntil = now.Add(d)
}

// RecordSuccess resets the consecutive-failure counter (§4.6: "A
// successful build on a machine resets its consecutiveFailures to 0").
func (ms *MachineState) RecordSuccess() {
	ms.connMu.Lock()
	defer ms.connMu.Unlock()
	ms.consecutiveFails = 0
	ms.disabledUntil = time.Time{}
}

// DisabledUntilTime returns the time before which this machine should
// not be dispatched to.
func (ms *MachineState) DisabledUntilTime() time.Time {
	ms.connMu.Lock()
	defer ms.connMu.Unlock()
	return ms.disabledUntil
}

// SupportsStep reports whether this machine can build the given step,
// per §4.2.
func (m *Machine) SupportsStep(step *Step) bool {
	if _, ok := m.SystemTypes[step.Derivation.Platform]; !ok {
		return false
	}

	required := make(map[string]struct{}, len(step.Derivation.RequiredSystemFeatures))
	for _, f := range step.Derivation.RequiredSystemFeatures {
		required[f] = struct{}{}
	}

	for f := range m.MandatoryFeatures {
		_, isRequired := required[f]
		if !isRequired && !(step.Derivation.PreferLocalBuild && f == "local") {
			return false
		}
	}

	for f := range required {
		if _, ok := m.SupportedFeatures[f]; !ok {
			return false
		}
	}

	return true
}

// MachineReservation is a resource-acquisition token tying a step to a
// machine for the duration of a remote build. Creating one increments
// the machine's live-job counter; releasing it decrements (§3).
type MachineReservation struct {
	Step    *Step
	Machine *Machine

	released atomic.Bool
}

// NewMachineReservation increments m's live-job counter and returns
// the token; the step's own Reservations count is bumped separately by
// the caller, which must hold step's lock to do so. Step.Reservations
// must be 0 beforehand (invariant 5: no two workers hold reservations
// for the same step simultaneously).
func NewMachineReservation(step *Step, m *Machine) *MachineReservation {
	m.State.CurrentJobs.Add(1)
	m.State.IdleSince.Store(0)
	return &MachineReservation{Step: step, Machine: m}
}

// Release decrements the machine's live-job counter. It is safe to
// call multiple times; only the first call has effect.
func (r *MachineReservation) Release(now time.Time) {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	left := r.Machine.State.CurrentJobs.Add(-1)
	if left == 0 {
		r.Machine.State.IdleSince.Store(now.Unix())
	}
}
