// Package registry maps guest names to their live supervisors. It is the
// single source of truth for "which guests exist right now"; terminal
// supervisors evict themselves, so a name is reusable the moment its last
// run finished.
package registry

import (
	"sync"

	"github.com/hostcrank/crank/internal/server/supervisor"
)

// Factory builds a fresh supervisor for a guest name. It is invoked under
// the registry lock, so it must not block; supervisor construction is pure
// wiring and satisfies that.
type Factory func() (*supervisor.Supervisor, error)

// Registry tracks at most one live supervisor per guest name.
type Registry struct {
	mu     sync.Mutex
	guests map[string]*supervisor.Supervisor
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{guests: make(map[string]*supervisor.Supervisor)}
}

// Acquire returns the live supervisor for name, creating one with factory
// when none exists. A terminal supervisor still awaiting eviction counts
// as absent and is replaced. The boolean reports whether the returned
// supervisor was created by this call; concurrent starts of the same guest
// therefore converge on one supervisor, and its phase guard turns the
// loser into a conflict.
func (r *Registry) Acquire(name string, factory Factory) (*supervisor.Supervisor, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup, ok := r.guests[name]; ok && !sup.Terminated() {
		return sup, false, nil
	}
	sup, err := factory()
	if err != nil {
		return nil, false, err
	}
	r.guests[name] = sup
	return sup, true, nil
}

// Get returns the live supervisor for name, or false when the guest has no
// live process.
func (r *Registry) Get(name string) (*supervisor.Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.guests[name]
	if !ok || sup.Terminated() {
		return nil, false
	}
	return sup, true
}

// Evict removes sup from the registry. The identity check matters: a new
// supervisor may already occupy the name by the time a terminal one's
// eviction callback runs.
func (r *Registry) Evict(sup *supervisor.Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.guests[sup.Name()]; ok && current == sup {
		delete(r.guests, sup.Name())
	}
}

// Snapshot returns the live supervisors at this instant.
func (r *Registry) Snapshot() []*supervisor.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*supervisor.Supervisor, 0, len(r.guests))
	for _, sup := range r.guests {
		if !sup.Terminated() {
			out = append(out, sup)
		}
	}
	return out
}
