// Package config carries the queue runner's static configuration:
// DB DSN, machine-backend choice, retry tunables, and storage/log
// directories, loaded from a JSON file over a defaults constructor -
// the same shape as the teacher's pkg/config.
package config

import (
	"encoding/json"
	"os"
	"time"
)

// NewConfig returns a config object with default values, suitable for
// overriding from a file via LoadFromFile.
func NewConfig() *Config {
	return &Config{
		MachinesFile:         "/etc/hydra/machines",
		MachinesPollInterval: 30 * time.Second,
		RemoteBuildDriver:    "ssh",
		MaxTries:             5,
		RetryInterval:        60 * time.Second,
		RetryBackoff:         3.0,
		MaxMachineDisable:    24 * time.Hour,
		CachedFailureStore:   "bitcask",
		NotifyQueueStore:     "bitcask",
		LogCompressDir:       "/var/lib/hydra/logs",
		HTTPBind:             ":3000",
		QueuePollInterval:    5 * time.Second,
		DBRetryInterval:      time.Second,
	}
}

// LoadFromFile overrides the receiver's fields with whatever is
// present in the JSON file at path.
func (c *Config) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	return dec.Decode(c)
}
