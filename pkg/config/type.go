package config

import "time"

// Config represents the complete application configuration the queue
// runner supports.
type Config struct {
	// DBDSN is the Postgres connection string for the database of
	// record (§6).
	DBDSN string

	// MachinesFile is the path to the machines file (§6), watched
	// for mtime changes (§4.2).
	MachinesFile string

	// MachinesPollInterval overrides the default 30s machines-file
	// poll fallback (§4.2).
	MachinesPollInterval time.Duration

	// RemoteBuildDriver selects the registered pkg/builder driver:
	// "ssh" (default) or "nomad".
	RemoteBuildDriver string

	// MaxTries is the retry budget per step instance before a
	// retryable failure converts to terminal (§4.6, default 5).
	MaxTries int

	// RetryInterval and RetryBackoff parameterize the step backoff
	// schedule: retryInterval * retryBackoff^(tries-1) (§4.6).
	RetryInterval time.Duration
	RetryBackoff  float64

	// MaxMachineDisable caps how long a machine can be
	// disabledUntil after repeated transient failures (§4.6).
	MaxMachineDisable time.Duration

	// CachedFailureStore names the registered pkg/storage factory
	// backing the cached-failure table (§4.8). NotifyQueueStore is
	// accepted but not read by any component: the notification queue
	// is held in memory only.
	CachedFailureStore string
	NotifyQueueStore   string

	// LogCompressDir is accepted but not read by any component: the
	// C8 log-compressor writes <log>.zst next to the original log file.
	LogCompressDir string

	// HTTPBind is the address the control surface (§6) listens on.
	HTTPBind string

	// QueuePollInterval bounds how often the queue monitor re-polls
	// the builds table absent a NOTIFY wakeup (§4.3).
	QueuePollInterval time.Duration

	// DBRetryInterval is the initial backoff for DB reconnect
	// retries (§4.3, §7).
	DBRetryInterval time.Duration
}
