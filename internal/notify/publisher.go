// Package notify fans committed state changes out to authorized monitors.
// The publisher decouples the extension machines from delivery so a slow
// monitor can never block a state transition; the hub tracks who is watching
// and filters by permission.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sebas/ctibridge/internal/callctl"
)

// Transport receives state changes in commit order, off the machines'
// locks. The hub is the production transport; tests plug in their own.
type Transport interface {
	Deliver(change callctl.StateChange)
}

// Publisher is a non-blocking callctl.Sink backed by a buffered channel
// and a single worker, so per-extension ordering is preserved end to end.
// Changes are dropped if the buffer is full (with warning logged).
type Publisher struct {
	transport Transport
	ch        chan callctl.StateChange
	dropCount atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

var _ callctl.Sink = (*Publisher)(nil)

// NewPublisher creates a publisher and starts its delivery worker.
func NewPublisher(transport Transport, bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	p := &Publisher{
		transport: transport,
		ch:        make(chan callctl.StateChange, bufferSize),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues a state change for delivery. Never blocks.
func (p *Publisher) Publish(change callctl.StateChange) {
	select {
	case <-p.closed:
		return
	default:
	}

	select {
	case p.ch <- change:
	default:
		p.dropCount.Add(1)
		slog.Warn("[Publisher] Change dropped: buffer full",
			"extension", change.Extension,
			"to", change.CurrentName,
		)
	}
}

// DroppedCount returns the number of changes dropped due to buffer overflow.
func (p *Publisher) DroppedCount() int64 {
	return p.dropCount.Load()
}

// Close stops the worker after draining already-queued changes. The data
// channel is never closed, so a Publish racing Close cannot panic; it is
// either delivered by the drain or dropped.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
	<-p.done
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case change := <-p.ch:
			p.transport.Deliver(change)
		case <-p.closed:
			for {
				select {
				case change := <-p.ch:
					p.transport.Deliver(change)
				default:
					return
				}
			}
		}
	}
}
