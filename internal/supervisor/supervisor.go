// Package supervisor keeps provider event listeners attached to the
// extensions that monitors are allowed to observe. Attachment is
// independent of login state: a logged-out extension still has a listener
// so its next state change is seen.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/ctibridge/internal/callctl"
	"github.com/sebas/ctibridge/internal/permstore"
	"github.com/sebas/ctibridge/internal/provider"
)

// AttachState is the lifecycle phase of one extension's listener.
type AttachState int

const (
	Unattached AttachState = iota
	Attaching
	Attached
	Failed
)

func (s AttachState) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Registration is a snapshot of one extension's listener. Permanent marks
// a failed registration whose retry budget is exhausted; it stays in the
// report but the reconcile loop no longer touches it.
type Registration struct {
	Extension string      `json:"extension"`
	State     AttachState `json:"-"`
	StateName string      `json:"state"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	NextRetry time.Time   `json:"next_retry,omitzero"`
	Permanent bool        `json:"permanent,omitempty"`
}

type registration struct {
	extension string
	state     AttachState
	attempts  int
	lastError string
	nextRetry time.Time
}

// AttachResult is the per-extension outcome of a bulk attach.
type AttachResult struct {
	Extension string `json:"extension"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// Summary totals a bulk attach.
type Summary struct {
	Requested int            `json:"requested"`
	Succeeded int            `json:"succeeded"`
	Results   []AttachResult `json:"results"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d/%d succeeded", s.Succeeded, s.Requested)
}

// Supervisor keeps the set of attached listeners reconciled against the
// permission source and retries failed attachments with bounded
// exponential backoff, up to a retry budget.
type Supervisor struct {
	gw    provider.Gateway
	reg   *callctl.Registry
	perms permstore.Source

	interval    time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int

	mu   sync.Mutex
	regs map[string]*registration

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithInterval sets how often the reconcile loop wakes up.
func WithInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.interval = d }
}

// WithBackoff sets the retry backoff bounds for failed attachments.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Supervisor) {
		s.baseBackoff = base
		s.maxBackoff = max
	}
}

// WithMaxAttempts sets the retry budget before a failed attachment is
// reported as permanent.
func WithMaxAttempts(n int) Option {
	return func(s *Supervisor) { s.maxAttempts = n }
}

// New creates a supervisor over the given gateway and permission source.
func New(gw provider.Gateway, reg *callctl.Registry, perms permstore.Source, opts ...Option) *Supervisor {
	s := &Supervisor{
		gw:          gw,
		reg:         reg,
		perms:       perms,
		interval:    10 * time.Second,
		baseBackoff: 2 * time.Second,
		maxBackoff:  2 * time.Minute,
		maxAttempts: 8,
		regs:        make(map[string]*registration),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the reconcile loop until Stop or context cancellation.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

// Stop halts the reconcile loop and waits for it to exit. Safe to call
// when Start never ran.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reconcile(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Reconcile runs one reconcile pass on demand.
func (s *Supervisor) Reconcile(ctx context.Context) {
	s.reconcile(ctx)
}

// reconcile aligns the registrations with the permission source: attaches
// extensions that became monitorable, removes listeners for extensions
// that no longer are, and retries failed attachments whose backoff has
// elapsed and whose budget is not exhausted. When the permission source
// is unavailable the pass falls back to retries only.
func (s *Supervisor) reconcile(ctx context.Context) {
	target := make(map[string]bool)
	exts, err := s.perms.MonitorableExtensions(ctx)
	haveTarget := err == nil
	if err != nil {
		slog.Warn("[Supervisor] Permission source unavailable, retrying failures only", "error", err)
	}
	for _, ext := range exts {
		target[ext] = true
	}

	now := time.Now()
	s.mu.Lock()
	var due, missing, stale []string
	for ext, r := range s.regs {
		if haveTarget && !target[ext] {
			stale = append(stale, ext)
			continue
		}
		if r.state == Failed && r.attempts < s.maxAttempts && !now.Before(r.nextRetry) {
			due = append(due, ext)
		}
	}
	if haveTarget {
		for ext := range target {
			if _, ok := s.regs[ext]; !ok {
				missing = append(missing, ext)
			}
		}
	}
	s.mu.Unlock()

	for _, ext := range stale {
		if err := s.Detach(ctx, ext); err != nil {
			slog.Warn("[Supervisor] Detach failed", "extension", ext, "error", err)
		}
		s.mu.Lock()
		delete(s.regs, ext)
		s.mu.Unlock()
		slog.Info("[Supervisor] Extension no longer monitorable, listener removed", "extension", ext)
	}

	for _, ext := range append(due, missing...) {
		if err := s.Attach(ctx, ext); err != nil {
			slog.Warn("[Supervisor] Attach failed",
				"extension", ext,
				"error", err,
			)
		}
	}
}

// Attach attaches the listener for one extension. Idempotent: an already
// attached extension succeeds without touching the provider. The machine
// is created first so listener-driven events have a destination.
func (s *Supervisor) Attach(ctx context.Context, ext string) error {
	s.mu.Lock()
	r, ok := s.regs[ext]
	if !ok {
		r = &registration{extension: ext}
		s.regs[ext] = r
	}
	if r.state == Attached {
		s.mu.Unlock()
		return nil
	}
	r.state = Attaching
	r.attempts++
	attempts := r.attempts
	s.mu.Unlock()

	s.reg.Get(ext)

	err := s.gw.AttachListener(ctx, ext)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		r.state = Failed
		r.lastError = err.Error()
		r.nextRetry = time.Now().Add(s.backoff(attempts))
		return fmt.Errorf("attach listener for %s: %w", ext, err)
	}
	r.state = Attached
	r.lastError = ""
	r.nextRetry = time.Time{}
	slog.Info("[Supervisor] Listener attached", "extension", ext)
	return nil
}

// Detach removes the listener for one extension.
func (s *Supervisor) Detach(ctx context.Context, ext string) error {
	s.mu.Lock()
	r, ok := s.regs[ext]
	s.mu.Unlock()
	if !ok || r.state != Attached {
		return nil
	}

	err := s.gw.DetachListener(ctx, ext)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("detach listener for %s: %w", ext, err)
	}
	r.state = Unattached
	r.attempts = 0
	return nil
}

// AttachAll attaches a listener for every monitorable extension. One
// failure never aborts the rest; the summary carries per-extension results.
func (s *Supervisor) AttachAll(ctx context.Context) (Summary, error) {
	exts, err := s.perms.MonitorableExtensions(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list monitorable extensions: %w", err)
	}

	sum := Summary{Requested: len(exts)}
	for _, ext := range exts {
		res := AttachResult{Extension: ext}
		if err := s.Attach(ctx, ext); err != nil {
			res.Error = err.Error()
		} else {
			res.OK = true
			sum.Succeeded++
		}
		sum.Results = append(sum.Results, res)
	}

	slog.Info("[Supervisor] Bulk attach complete", "summary", sum.String())
	return sum, nil
}

// Report returns the state of every known registration, ordered by
// extension number.
func (s *Supervisor) Report() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Registration, 0, len(s.regs))
	for _, r := range s.regs {
		out = append(out, Registration{
			Extension: r.extension,
			State:     r.state,
			StateName: r.state.String(),
			Attempts:  r.attempts,
			LastError: r.lastError,
			NextRetry: r.nextRetry,
			Permanent: r.state == Failed && r.attempts >= s.maxAttempts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Extension < out[j].Extension })
	return out
}

// backoff returns the wait before retry attempt n, capped at maxBackoff.
func (s *Supervisor) backoff(attempts int) time.Duration {
	d := s.baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.maxBackoff {
			return s.maxBackoff
		}
	}
	if d > s.maxBackoff {
		return s.maxBackoff
	}
	return d
}
