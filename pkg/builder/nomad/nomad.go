// Package nomad implements an alternate pkg/builder.RemoteBuildDriver
// that dispatches one Nomad batch job per step, adapted from the
// teacher's pkg/scheduler/nomad (which dispatched one Nomad job per
// whole build).
package nomad

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad/api"

	"github.com/LumiGuide/hydra/pkg/builder"
	"github.com/LumiGuide/hydra/pkg/types"
)

func init() {
	builder.RegisterInitCallback(cb)
}

func cb() {
	builder.RegisterDriverFactory("nomad", New)
}

// Driver dispatches a "hydra-step" parameterized Nomad job per step,
// polling Jobs().Info for completion instead of the SSH driver's
// blocking session.
type Driver struct {
	l hclog.Logger
	c *api.Client

	pollInterval time.Duration
}

// New returns a driver wrapping a Nomad client configured from the
// environment, matching the teacher's api.NewClient(api.DefaultConfig()).
func New() (builder.RemoteBuildDriver, error) {
	c, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return &Driver{l: hclog.L().Named("nomad-driver"), c: c, pollInterval: 2 * time.Second}, nil
}

// Build dispatches a "hydra-step" job carrying the derivation path and
// target machine/system-type as job metadata, then polls until it
// reaches a terminal state or hardTimeout elapses. maxSilentTime is
// not enforced.
func (d *Driver) Build(ctx context.Context, step *types.Step, machine *types.Machine, maxSilentTime, hardTimeout time.Duration) (builder.RemoteBuildResult, error) {
	start := time.Now()

	meta := map[string]string{
		"drvpath":     step.DrvPath,
		"system_type": step.SystemType,
		"machine":     machine.Name,
	}
	res, _, err := d.c.Jobs().Dispatch("hydra-step", meta, nil, "", nil)
	if err != nil {
		return builder.RemoteBuildResult{Status: types.RemoteTransientFailure, StartTime: start, StopTime: time.Now()}, err
	}
	d.l.Debug("dispatched step job", "drvpath", step.DrvPath, "eval", res.EvalID, "jid", res.DispatchedJobID)

	deadline, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.Done():
			return builder.RemoteBuildResult{Status: types.RemoteTimeout, StartTime: start, StopTime: time.Now()}, deadline.Err()
		case <-ticker.C:
			job, _, err := d.c.Jobs().Info(res.DispatchedJobID, nil)
			if err != nil {
				continue
			}
			if job.Status == nil || *job.Status == "running" || *job.Status == "pending" {
				continue
			}

			summary, _, err := d.c.Jobs().Summary(res.DispatchedJobID, nil)
			stop := time.Now()
			if err != nil {
				return builder.RemoteBuildResult{Status: types.RemoteMiscFailure, StartTime: start, StopTime: stop}, err
			}
			for _, group := range summary.Summary {
				if group.Failed > 0 {
					return builder.RemoteBuildResult{Status: types.RemotePermanentFailure, StartTime: start, StopTime: stop}, nil
				}
			}
			return builder.RemoteBuildResult{
				Status:    types.RemoteSuccess,
				StartTime: start,
				StopTime:  stop,
				Outputs:   step.Derivation.Outputs,
			}, nil
		}
	}
}
