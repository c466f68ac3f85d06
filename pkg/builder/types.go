// Package builder implements C6: one goroutine per MachineReservation,
// executing a step against a machine through the out-of-scope remote
// build protocol, classifying the outcome per §4.6, and applying
// retry/backoff and machine penalization before handing the result to
// the outcome reducer (C7).
//
// RemoteBuildDriver generalizes the teacher's CapacityProvider
// duality (pkg/scheduler/local vs pkg/scheduler/nomad, one build at a
// time each) to "one step, one reservation, driven over an arbitrary
// remote-build transport" - the remote build protocol itself is an
// out-of-scope external collaborator per §1.
package builder

import (
	"context"
	"time"

	"github.com/LumiGuide/hydra/pkg/types"
)

// RemoteBuildResult is the outcome reported by the out-of-scope
// remote-build interface (§3, §4.6).
type RemoteBuildResult struct {
	Status    types.RemoteStatus
	StartTime time.Time
	StopTime  time.Time
	LogPath   string
	// Outputs maps output name to the store path actually produced,
	// populated on RemoteSuccess.
	Outputs map[string]string
}

// RemoteBuildDriver is the interface a concrete remote-build transport
// implements: open a connection to a machine, copy the derivation
// closure, invoke the builder, stream logs, retrieve outputs. All of
// that machinery is out of scope per §1; this interface is the shape
// the core needs out of it.
type RemoteBuildDriver interface {
	// Build executes step on machine, honoring maxSilentTime and
	// hardTimeout from the owning build, and returns the classified
	// outcome.
	Build(ctx context.Context, step *types.Step, machine *types.Machine, maxSilentTime, hardTimeout time.Duration) (RemoteBuildResult, error)
}

// DriverFactory constructs a RemoteBuildDriver, mirroring the
// teacher's CapacityFactory shape.
type DriverFactory func() (RemoteBuildDriver, error)
