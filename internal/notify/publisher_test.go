package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/sebas/ctibridge/internal/callctl"
)

// collectTransport records deliveries; optionally gated so the worker can
// be held mid-delivery.
type collectTransport struct {
	mu      sync.Mutex
	changes []callctl.StateChange
	gate    chan struct{}
}

func (c *collectTransport) Deliver(change callctl.StateChange) {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	c.changes = append(c.changes, change)
	c.mu.Unlock()
}

func (c *collectTransport) Changes() []callctl.StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]callctl.StateChange(nil), c.changes...)
}

func change(ext, id string) callctl.StateChange {
	return callctl.StateChange{ID: id, Extension: ext}
}

func TestPublisherPreservesOrder(t *testing.T) {
	transport := &collectTransport{}
	p := NewPublisher(transport, 16)

	p.Publish(change("2510043", "a"))
	p.Publish(change("2510043", "b"))
	p.Publish(change("2510043", "c"))
	p.Close()

	got := transport.Changes()
	if len(got) != 3 {
		t.Fatalf("delivered %d changes, want 3", len(got))
	}
	for i, id := range []string{"a", "b", "c"} {
		if got[i].ID != id {
			t.Errorf("change[%d].ID = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestPublisherDropsWhenFull(t *testing.T) {
	transport := &collectTransport{gate: make(chan struct{})}
	p := NewPublisher(transport, 1)

	// First change occupies the worker, second fills the buffer, the rest
	// must be dropped without blocking.
	p.Publish(change("2510043", "a"))

	deadline := time.After(time.Second)
	for p.DroppedCount() == 0 {
		p.Publish(change("2510043", "x"))
		select {
		case <-deadline:
			t.Fatal("no change was dropped")
		default:
		}
	}

	close(transport.gate)
	p.Close()

	if p.DroppedCount() == 0 {
		t.Error("DroppedCount() = 0, want > 0")
	}
}

func TestCloseWithConcurrentPublishers(t *testing.T) {
	transport := &collectTransport{}
	p := NewPublisher(transport, 8)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 5000; i++ {
				p.Publish(change("2510043", "x"))
			}
		}()
	}

	close(start)
	p.Close()
	wg.Wait()

	// A Publish racing Close must never panic on the data channel; it is
	// delivered, dropped, or ignored.
	if delivered := len(transport.Changes()); delivered > 4*5000 {
		t.Errorf("delivered %d changes, published only %d", delivered, 4*5000)
	}
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	transport := &collectTransport{}
	p := NewPublisher(transport, 4)
	p.Close()

	p.Publish(change("2510043", "late"))
	if got := len(transport.Changes()); got != 0 {
		t.Errorf("delivered %d changes after close, want 0", got)
	}
}
