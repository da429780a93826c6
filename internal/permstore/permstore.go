// Package permstore answers two questions: which extensions may be
// monitored at all, and which monitors may observe a given extension.
package permstore

import (
	"context"
	"sort"
	"sync"
)

// Source provides monitoring permissions. Implementations must be safe for
// concurrent use.
type Source interface {
	// MonitorableExtensions lists every extension with at least one
	// authorized monitor, ordered by extension number.
	MonitorableExtensions(ctx context.Context) ([]string, error)

	// MonitorsFor lists the monitors authorized to observe an extension.
	MonitorsFor(ctx context.Context, extension string) ([]string, error)
}

// Memory is an in-memory Source seeded up front. Used for tests and for
// running without a database.
type Memory struct {
	mu     sync.RWMutex
	grants map[string]map[string]struct{} // extension -> monitors
}

var _ Source = (*Memory)(nil)

// NewMemory creates an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{grants: make(map[string]map[string]struct{})}
}

// Grant authorizes a monitor to observe an extension.
func (m *Memory) Grant(monitor, extension string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.grants[extension]
	if !ok {
		set = make(map[string]struct{})
		m.grants[extension] = set
	}
	set[monitor] = struct{}{}
}

// Revoke withdraws a monitor's authorization for an extension.
func (m *Memory) Revoke(monitor, extension string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.grants[extension]
	delete(set, monitor)
	if len(set) == 0 {
		delete(m.grants, extension)
	}
}

func (m *Memory) MonitorableExtensions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.grants))
	for ext := range m.grants {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) MonitorsFor(ctx context.Context, extension string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.grants[extension]
	out := make([]string, 0, len(set))
	for mon := range set {
		out = append(out, mon)
	}
	sort.Strings(out)
	return out, nil
}
