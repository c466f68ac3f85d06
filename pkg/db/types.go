package db

import (
	"time"

	"github.com/LumiGuide/hydra/pkg/types"
)

// QueuedBuild is the row shape read from the builds table (§6): "id >
// lastSeenId AND finished = 0".
type QueuedBuild struct {
	ID         types.BuildID
	DrvPath    string
	Project    string
	Jobset     string
	Job        string

	LocalPriority  int
	GlobalPriority int

	SubmitTime time.Time

	MaxSilentTime time.Duration
	HardTimeout   time.Duration
}

// QueueChange is a decoded payload from the builds_updated NOTIFY
// channel (§4.3, §6): a cancellation, a deletion, or a priority bump.
type QueueChange struct {
	Kind    QueueChangeKind
	BuildID types.BuildID

	// Local/Global are populated for Kind == QueueChangeBump.
	LocalPriority  int
	GlobalPriority int
}

// QueueChangeKind enumerates the payloads carried on builds_updated.
type QueueChangeKind int

const (
	QueueChangeCancel QueueChangeKind = iota
	QueueChangeBump
)

// StepOutcome is what pkg/builder reports back for a DB write-back:
// the terminal or busy state of one buildsteps row.
type StepOutcome struct {
	BuildID   types.BuildID
	StepNr    int
	Status    types.BuildStepStatus
	Machine   string
	StartTime time.Time
	StopTime  time.Time
	LogPath   string

	// Outputs maps output name to store path, populated on success.
	Outputs map[string]string
}
