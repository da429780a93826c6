package notify

import (
	"testing"

	"github.com/sebas/ctibridge/internal/callctl"
)

type mapPerms map[string]map[string]bool // monitor -> extension -> allowed

func (p mapPerms) Allowed(monitor, extension string) bool {
	return p[monitor][extension]
}

func TestHubFiltersByPermission(t *testing.T) {
	perms := mapPerms{
		"alice": {"2510043": true},
		"bob":   {"2510044": true},
	}
	h := NewHub(perms)

	alice := h.Subscribe("alice", 4)
	bob := h.Subscribe("bob", 4)
	defer h.Unsubscribe(alice)
	defer h.Unsubscribe(bob)

	h.Deliver(callctl.StateChange{ID: "1", Extension: "2510043"})
	h.Deliver(callctl.StateChange{ID: "2", Extension: "2510044"})

	select {
	case c := <-alice.Changes():
		if c.Extension != "2510043" {
			t.Errorf("alice received extension %q, want %q", c.Extension, "2510043")
		}
	default:
		t.Error("alice received nothing")
	}
	select {
	case c := <-alice.Changes():
		t.Errorf("alice received unauthorized change for %q", c.Extension)
	default:
	}

	select {
	case c := <-bob.Changes():
		if c.Extension != "2510044" {
			t.Errorf("bob received extension %q, want %q", c.Extension, "2510044")
		}
	default:
		t.Error("bob received nothing")
	}
}

func TestSlowMonitorDropsWithoutBlocking(t *testing.T) {
	h := NewHub(AllowAll{})
	slow := h.Subscribe("slow", 1)
	defer h.Unsubscribe(slow)

	h.Deliver(callctl.StateChange{ID: "1", Extension: "2510043"})
	h.Deliver(callctl.StateChange{ID: "2", Extension: "2510043"})
	h.Deliver(callctl.StateChange{ID: "3", Extension: "2510043"})

	if got := slow.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(AllowAll{})
	sub := h.Subscribe("alice", 4)
	h.Unsubscribe(sub)

	if _, ok := <-sub.Changes(); ok {
		t.Error("channel still open after Unsubscribe")
	}
	if got := h.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}

	// Second unsubscribe is a no-op.
	h.Unsubscribe(sub)
}

func TestDefaultPermissionsAllowAll(t *testing.T) {
	h := NewHub(nil)
	sub := h.Subscribe("anyone", 4)
	defer h.Unsubscribe(sub)

	h.Deliver(callctl.StateChange{ID: "1", Extension: "2510043"})
	select {
	case <-sub.Changes():
	default:
		t.Error("change not delivered with nil permissions")
	}
}
