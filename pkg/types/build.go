package types

import (
	"sync"
	"time"
)

// BuildID is the stable numeric id assigned by the database.
type BuildID int64

// Build is a queued unit of work naming a top-level derivation.
type Build struct {
	ID       BuildID
	DrvPath  string
	Outputs  map[string]string // output name -> store path

	Project string
	Jobset  string
	Job     string

	SubmitTime time.Time

	MaxSilentTime time.Duration
	HardTimeout   time.Duration

	mu             sync.Mutex
	localPriority  int
	globalPriority int

	// Toplevel is a strong reference to the build's top-level step.
	// Nil for builds that were satisfied entirely from cache.
	Toplevel *Step

	// JobsetRef is a strong reference to the owning Jobset, keeping it
	// alive for as long as this build is queued.
	JobsetRef *Jobset

	finishedInDB bool
}

// NewBuild constructs a Build in its initial (unfinalized) state.
func NewBuild(id BuildID, drvPath string, project, jobset, job string) *Build {
	return &Build{
		ID:      id,
		DrvPath: drvPath,
		Outputs: make(map[string]string),
		Project: project,
		Jobset:  jobset,
		Job:     job,
	}
}

// FullJobName returns the "project:jobset:job" triple used in logs.
func (b *Build) FullJobName() string {
	return b.Project + ":" + b.Jobset + ":" + b.Job
}

// Priorities returns the local and global priority under lock.
func (b *Build) Priorities() (local, global int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localPriority, b.globalPriority
}

// SetPriorities updates the local/global priority, e.g. on a queue-change
// priority bump (§4.3).
func (b *Build) SetPriorities(local, global int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.localPriority = local
	b.globalPriority = global
}

// MarkFinishedInDB transitions the build to finalized exactly once.
// Returns false if it was already finalized (invariant 6 / §8).
func (b *Build) MarkFinishedInDB() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finishedInDB {
		return false
	}
	b.finishedInDB = true
	return true
}

// FinishedInDB reports whether this build has already been finalized.
func (b *Build) FinishedInDB() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finishedInDB
}
