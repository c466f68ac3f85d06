// Package ssh implements the default pkg/builder.RemoteBuildDriver:
// open an SSH connection to the machine named in the machines file
// (§6), invoke the remote builder, and classify the result. The
// protocol details of copying a derivation closure and streaming logs
// belong to the out-of-scope remote build protocol (§1); this driver
// only owns the connection and the SSH-specific failure modes (dial
// failure, host key mismatch, auth failure) that the core's retry
// classification in §4.6 treats as transient infrastructural errors.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/crypto/ssh"

	"github.com/LumiGuide/hydra/pkg/builder"
	"github.com/LumiGuide/hydra/pkg/types"
)

func init() {
	builder.RegisterInitCallback(cb)
}

func cb() {
	builder.RegisterDriverFactory("ssh", New)
}

// Driver dials a machine's sshName/sshKey/publicHostKey over SSH for
// each build.
type Driver struct {
	l hclog.Logger

	// RemoteCommand is invoked on the machine to perform a step
	// build. The out-of-scope remote build protocol decides what
	// this actually does (copy closure, invoke builder, stream
	// logs, retrieve outputs); here it is a single command line
	// receiving the derivation path as its sole argument.
	RemoteCommand string
}

// New constructs the ssh driver with its default remote command.
func New() (builder.RemoteBuildDriver, error) {
	return &Driver{
		l:             hclog.L().Named("ssh-driver"),
		RemoteCommand: "hydra-build",
	}, nil
}

// Build dials machine over SSH and runs RemoteCommand with step's
// derivation path, classifying the outcome per §4.6. hardTimeout
// bounds the remote command; maxSilentTime is not enforced.
func (d *Driver) Build(ctx context.Context, step *types.Step, machine *types.Machine, maxSilentTime, hardTimeout time.Duration) (builder.RemoteBuildResult, error) {
	start := time.Now()

	machine.SendLock.Lock()
	defer machine.SendLock.Unlock()

	client, err := d.dial(ctx, machine)
	if err != nil {
		return builder.RemoteBuildResult{Status: types.RemoteTransientFailure, StartTime: start, StopTime: time.Now()}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return builder.RemoteBuildResult{Status: types.RemoteTransientFailure, StartTime: start, StopTime: time.Now()}, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	deadline, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(fmt.Sprintf("%s %s", d.RemoteCommand, step.DrvPath)) }()

	select {
	case <-deadline.Done():
		session.Signal(ssh.SIGKILL)
		return builder.RemoteBuildResult{Status: types.RemoteTimeout, StartTime: start, StopTime: time.Now()}, deadline.Err()
	case err := <-done:
		stop := time.Now()
		if err == nil {
			return builder.RemoteBuildResult{
				Status:    types.RemoteSuccess,
				StartTime: start,
				StopTime:  stop,
				LogPath:   "",
				Outputs:   step.Derivation.Outputs,
			}, nil
		}

		var exitErr *ssh.ExitError
		if ok := asExitError(err, &exitErr); ok {
			if exitErr.ExitStatus() == 100 {
				return builder.RemoteBuildResult{Status: types.RemotePermanentFailure, StartTime: start, StopTime: stop}, nil
			}
			return builder.RemoteBuildResult{Status: types.RemoteMiscFailure, StartTime: start, StopTime: stop}, nil
		}
		return builder.RemoteBuildResult{Status: types.RemoteTransientFailure, StartTime: start, StopTime: stop}, err
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func (d *Driver) dial(ctx context.Context, machine *types.Machine) (*ssh.Client, error) {
	signer, err := ssh.ParsePrivateKey([]byte(machine.SSHKey))
	if err != nil {
		return nil, fmt.Errorf("ssh: parse key for %s: %w", machine.Name, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if machine.PublicHostKey != "" {
		hostKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(machine.PublicHostKey))
		if err != nil {
			return nil, fmt.Errorf("ssh: parse host key for %s: %w", machine.Name, err)
		}
		hostKeyCallback = ssh.FixedHostKey(hostKey)
	}

	cfg := &ssh.ClientConfig{
		User:            "hydra",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	return ssh.Dial("tcp", machine.Name+":22", cfg)
}
