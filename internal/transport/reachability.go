package transport

import (
	"sync"

	"github.com/and161185/ogx-gateway/internal/model"
)

// Table is an in-memory reachability map with a global default per
// transport and per-destination overrides. Unknown entries are reachable.
type Table struct {
	mu      sync.RWMutex
	global  map[model.Transport]bool
	perDest map[string]map[model.Transport]bool
}

var _ Reachability = (*Table)(nil)

// NewTable returns a table where everything is reachable.
func NewTable() *Table {
	return &Table{
		global:  map[model.Transport]bool{},
		perDest: map[string]map[model.Transport]bool{},
	}
}

// SetGlobal sets the default reachability of t for all destinations.
func (r *Table) SetGlobal(t model.Transport, reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global[t] = reachable
}

// Set overrides reachability of t for one destination.
func (r *Table) Set(destination string, t model.Transport, reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.perDest[destination]
	if !ok {
		m = map[model.Transport]bool{}
		r.perDest[destination] = m
	}
	m[t] = reachable
}

// Clear drops all overrides for a destination.
func (r *Table) Clear(destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.perDest, destination)
}

// Reachable implements Reachability.
func (r *Table) Reachable(t model.Transport, destination string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.perDest[destination]; ok {
		if v, ok := m[t]; ok {
			return v
		}
	}
	if v, ok := r.global[t]; ok {
		return v
	}
	return true
}
