package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sebas/ctibridge/internal/callctl"
)

// Permissions decides whether a monitor may observe an extension.
type Permissions interface {
	Allowed(monitor, extension string) bool
}

// AllowAll grants every monitor every extension. For development and tests.
type AllowAll struct{}

func (AllowAll) Allowed(string, string) bool { return true }

// Subscription is one monitor's live feed. Changes the monitor is not
// authorized for never reach its channel.
type Subscription struct {
	Monitor string

	ch      chan callctl.StateChange
	dropped atomic.Int64
}

// Changes returns the subscription's delivery channel. Closed on
// Unsubscribe.
func (s *Subscription) Changes() <-chan callctl.StateChange {
	return s.ch
}

// Dropped returns how many changes this subscription missed because its
// buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Hub routes state changes to subscribed monitors, filtered by permission.
// Delivery to each monitor is non-blocking: a monitor that stops reading
// loses changes, never stalls the others.
type Hub struct {
	perms Permissions

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

var _ Transport = (*Hub)(nil)

// NewHub creates a hub using the given permission source.
func NewHub(perms Permissions) *Hub {
	if perms == nil {
		perms = AllowAll{}
	}
	return &Hub{
		perms: perms,
		subs:  make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a monitor and returns its feed.
func (h *Hub) Subscribe(monitor string, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	s := &Subscription{
		Monitor: monitor,
		ch:      make(chan callctl.StateChange, bufferSize),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	slog.Debug("[Hub] Monitor subscribed", "monitor", monitor)
	return s
}

// Unsubscribe removes the monitor and closes its channel.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		close(s.ch)
		slog.Debug("[Hub] Monitor unsubscribed", "monitor", s.Monitor)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Deliver fans one change out to every authorized subscriber.
func (h *Hub) Deliver(change callctl.StateChange) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs {
		if !h.perms.Allowed(s.Monitor, change.Extension) {
			continue
		}
		select {
		case s.ch <- change:
		default:
			s.dropped.Add(1)
			slog.Warn("[Hub] Monitor too slow, change dropped",
				"monitor", s.Monitor,
				"extension", change.Extension,
			)
		}
	}
}
