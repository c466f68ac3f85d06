// Package machines implements the machine registry (C2): loading the
// machines file, watching it for changes, and matching steps against
// machine capabilities (§4.2).
package machines

import (
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/LumiGuide/hydra/pkg/types"
)

// Registry holds the current machines map and swaps it atomically on
// reload, per §5's "The machines map is read-mostly and swapped
// atomically."
type Registry struct {
	l hclog.Logger

	current atomic.Pointer[snapshot]
}

type snapshot struct {
	byName map[string]*types.Machine
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l hclog.Logger) Option {
	return func(r *Registry) { r.l = l.Named("machines") }
}

// New returns an empty Registry. Call Load or Watch to populate it.
func New(opts ...Option) *Registry {
	r := &Registry{l: hclog.L().Named("machines")}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&snapshot{byName: map[string]*types.Machine{}})
	return r
}

// Load parses path and atomically replaces the current machines map.
// A machine present in the old snapshot but absent from the new one is
// dropped from lookups immediately; its MachineState and any live
// MachineReservations referencing it are unaffected (callers already
// hold their own reference), satisfying §9's "a removed machine's
// reservations keep it alive until drained."
func (r *Registry) Load(path string) error {
	ms, err := ParseFile(path)
	if err != nil {
		return err
	}

	next := &snapshot{byName: make(map[string]*types.Machine, len(ms))}
	for _, m := range ms {
		next.byName[m.Name] = m
	}

	old := r.current.Swap(next)
	r.l.Info("reloaded machines file", "path", path, "count", len(ms))

	if old != nil {
		for name := range old.byName {
			if _, stillPresent := next.byName[name]; !stillPresent {
				r.l.Info("machine removed from machines file", "machine", name)
			}
		}
	}
	return nil
}

// All returns a snapshot slice of every currently known machine.
func (r *Registry) All() []*types.Machine {
	snap := r.current.Load()
	out := make([]*types.Machine, 0, len(snap.byName))
	for _, m := range snap.byName {
		out = append(out, m)
	}
	return out
}

// Lookup returns the machine with the given name, if still present.
func (r *Registry) Lookup(name string) (*types.Machine, bool) {
	snap := r.current.Load()
	m, ok := snap.byName[name]
	return m, ok
}

// MachinesSupporting returns every currently known, enabled machine
// for which SupportsStep(step) holds (§4.2).
func (r *Registry) MachinesSupporting(step *types.Step) []*types.Machine {
	snap := r.current.Load()
	out := make([]*types.Machine, 0, len(snap.byName))
	for _, m := range snap.byName {
		if m.Enabled() && m.SupportsStep(step) {
			out = append(out, m)
		}
	}
	return out
}
