package supervisor

import (
	"sort"
	"sync"
)

// Readiness tracks which connection-bearing units are up. Order submission
// is allowed only while every tracked unit is connected.
type Readiness struct {
	mu        sync.RWMutex
	connected map[string]bool
}

// NewReadiness tracks the named units, all initially disconnected.
func NewReadiness(units ...string) *Readiness {
	r := &Readiness{connected: make(map[string]bool, len(units))}
	for _, u := range units {
		r.connected[u] = false
	}
	return r
}

// Set records a unit's connection state. Untracked units are ignored.
func (r *Readiness) Set(unit string, connected bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connected[unit]; ok {
		r.connected[unit] = connected
	}
}

// Hook returns a callback bound to unit, suitable for OnConnected options.
func (r *Readiness) Hook(unit string) func(bool) {
	return func(connected bool) { r.Set(unit, connected) }
}

func (r *Readiness) Ready() bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, up := range r.connected {
		if !up {
			return false
		}
	}
	return true
}

// Down lists the disconnected units.
func (r *Readiness) Down() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for u, up := range r.connected {
		if !up {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}
