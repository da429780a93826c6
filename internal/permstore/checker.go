package permstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Checker is a read-side cache over a Source for the per-change permission
// test on the fan-out path. Refresh rebuilds the cache from the source;
// call it once at startup, then Start a refresh loop so grants and
// revocations made while the bridge is running take effect.
type Checker struct {
	src Source

	mu     sync.RWMutex
	grants map[string]map[string]struct{} // extension -> monitors

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewChecker creates an empty checker. Allowed denies everything until the
// first Refresh.
func NewChecker(src Source) *Checker {
	return &Checker{
		src:    src,
		grants: make(map[string]map[string]struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Refresh rebuilds the cache from the source.
func (c *Checker) Refresh(ctx context.Context) error {
	exts, err := c.src.MonitorableExtensions(ctx)
	if err != nil {
		return fmt.Errorf("refresh permissions: %w", err)
	}
	grants := make(map[string]map[string]struct{}, len(exts))
	for _, ext := range exts {
		monitors, err := c.src.MonitorsFor(ctx, ext)
		if err != nil {
			return fmt.Errorf("refresh permissions for %s: %w", ext, err)
		}
		set := make(map[string]struct{}, len(monitors))
		for _, mon := range monitors {
			set[mon] = struct{}{}
		}
		grants[ext] = set
	}

	c.mu.Lock()
	c.grants = grants
	c.mu.Unlock()
	return nil
}

// Start refreshes the cache on the given interval until Stop or context
// cancellation. A failed refresh keeps the previous cache and is retried
// on the next tick.
func (c *Checker) Start(ctx context.Context, interval time.Duration) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run(ctx, interval)
}

// Stop halts the refresh loop and waits for it to exit. Safe to call when
// Start never ran.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
}

func (c *Checker) run(ctx context.Context, interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				slog.Warn("[Permstore] Permission refresh failed", "error", err)
			}
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Allowed reports whether the monitor may observe the extension.
func (c *Checker) Allowed(monitor, extension string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.grants[extension][monitor]
	return ok
}
