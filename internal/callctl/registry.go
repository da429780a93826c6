package callctl

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/sebas/ctibridge/internal/provider"
)

// Registry owns the machines, one per extension. Machines are created on
// first use and never removed; a logged-out extension keeps its machine so
// listener-driven events still have somewhere to land.
type Registry struct {
	gw       provider.Gateway
	sink     Sink
	audit    Auditor
	timeouts Timeouts

	mu       sync.RWMutex
	machines map[string]*Machine
}

// NewRegistry creates an empty registry. All machines it creates share the
// given gateway, sink, and audit collaborators.
func NewRegistry(gw provider.Gateway, sink Sink, audit Auditor, timeouts Timeouts) *Registry {
	return &Registry{
		gw:       gw,
		sink:     sink,
		audit:    audit,
		timeouts: timeouts,
		machines: make(map[string]*Machine),
	}
}

// Get returns the machine for an extension, creating it on first use.
func (r *Registry) Get(ext string) *Machine {
	r.mu.RLock()
	m, ok := r.machines[ext]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[ext]; ok {
		return m
	}
	m = NewMachine(ext, r.gw, r.sink, r.audit, r.timeouts)
	r.machines[ext] = m
	slog.Debug("[Registry] Machine created", "extension", ext)
	return m
}

// Lookup returns the machine for an extension without creating one.
func (r *Registry) Lookup(ext string) (*Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[ext]
	return m, ok
}

// Route delivers a provider event to the owning machine. Events for
// extensions the registry has never seen are dropped, not materialized:
// only the supervisor and the command path create machines.
func (r *Registry) Route(evt provider.Event) {
	m, ok := r.Lookup(evt.Extension)
	if !ok {
		slog.Warn("[Registry] Dropping event for unknown extension",
			"extension", evt.Extension,
			"event", evt.Kind.String(),
		)
		return
	}
	m.ApplyEvent(evt)
}

// Snapshots returns a view of every known extension, ordered by extension
// number.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(machines))
	for _, m := range machines {
		out = append(out, m.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Extension < out[j].Extension })
	return out
}
