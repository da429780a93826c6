package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebas/ctibridge/internal/callctl"
	"github.com/sebas/ctibridge/internal/permstore"
	"github.com/sebas/ctibridge/internal/provider"
)

// fakeGateway fails listener attachment for the extensions in failing.
type fakeGateway struct {
	mu       sync.Mutex
	failing  map[string]bool
	attached []string
}

func (f *fakeGateway) AttachListener(ctx context.Context, extension string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[extension] {
		return errors.New("subscription refused")
	}
	f.attached = append(f.attached, extension)
	return nil
}

func (f *fakeGateway) DetachListener(ctx context.Context, extension string) error { return nil }

func (f *fakeGateway) Attached() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attached...)
}

func (f *fakeGateway) Login(ctx context.Context, extension, password, token string) error {
	return nil
}
func (f *fakeGateway) Dial(ctx context.Context, from, to, token string) error    { return nil }
func (f *fakeGateway) Answer(ctx context.Context, extension, token string) error { return nil }
func (f *fakeGateway) Hangup(ctx context.Context, extension, token string) error { return nil }
func (f *fakeGateway) Logout(ctx context.Context, extension string) error        { return nil }
func (f *fakeGateway) OnEvent(fn provider.EventHandler)                          {}

func newTestSupervisor(failing map[string]bool, grants ...string) (*Supervisor, *fakeGateway, *callctl.Registry) {
	gw := &fakeGateway{failing: failing}
	reg := callctl.NewRegistry(gw, callctl.NopSink{}, nil, callctl.Timeouts{})
	perms := permstore.NewMemory()
	for _, ext := range grants {
		perms.Grant("monitor", ext)
	}
	s := New(gw, reg, perms,
		WithInterval(10*time.Millisecond),
		WithBackoff(time.Millisecond, 10*time.Millisecond),
	)
	return s, gw, reg
}

func TestAttachAllReportsPartialFailure(t *testing.T) {
	s, _, _ := newTestSupervisor(
		map[string]bool{"2510044": true},
		"2510043", "2510044", "2510045",
	)

	sum, err := s.AttachAll(context.Background())
	if err != nil {
		t.Fatalf("AttachAll() error = %v", err)
	}
	if sum.Requested != 3 || sum.Succeeded != 2 {
		t.Errorf("Summary = %d/%d, want 2/3", sum.Succeeded, sum.Requested)
	}
	if got, want := sum.String(), "2/3 succeeded"; got != want {
		t.Errorf("Summary.String() = %q, want %q", got, want)
	}

	for _, res := range sum.Results {
		wantOK := res.Extension != "2510044"
		if res.OK != wantOK {
			t.Errorf("result for %s: OK = %v, want %v", res.Extension, res.OK, wantOK)
		}
		if !res.OK && res.Error == "" {
			t.Errorf("failed result for %s has no error", res.Extension)
		}
	}
}

func TestAttachCreatesMachineFirst(t *testing.T) {
	s, _, reg := newTestSupervisor(nil, "2510043")

	if err := s.Attach(context.Background(), "2510043"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, ok := reg.Lookup("2510043"); !ok {
		t.Error("no machine created for attached extension")
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	s, gw, _ := newTestSupervisor(nil, "2510043")

	if err := s.Attach(context.Background(), "2510043"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := s.Attach(context.Background(), "2510043"); err != nil {
		t.Fatalf("second Attach() error = %v", err)
	}
	if got := len(gw.Attached()); got != 1 {
		t.Errorf("gateway attached %d times, want 1", got)
	}
}

func TestFailedAttachIsRetriedByReconcile(t *testing.T) {
	failing := map[string]bool{"2510043": true}
	s, gw, _ := newTestSupervisor(failing, "2510043")

	if err := s.Attach(context.Background(), "2510043"); err == nil {
		t.Fatal("Attach() succeeded, want failure")
	}

	report := s.Report()
	if len(report) != 1 || report[0].State != Failed {
		t.Fatalf("Report() = %+v, want one failed registration", report)
	}

	// Clear the fault and let the reconcile loop pick it up.
	gw.mu.Lock()
	failing["2510043"] = false
	gw.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.After(time.Second)
	for {
		report = s.Report()
		if len(report) == 1 && report[0].State == Attached {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("registration never recovered: %+v", report)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestReconcileStopsAfterRetryBudget(t *testing.T) {
	failing := map[string]bool{"2510043": true}
	s, _, _ := newTestSupervisor(failing, "2510043")
	s.maxAttempts = 3

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Attach(ctx, "2510043"); err == nil {
			t.Fatal("Attach() succeeded, want failure")
		}
	}

	// Budget exhausted: further passes must leave the attempt count alone.
	s.Reconcile(ctx)
	s.Reconcile(ctx)

	report := s.Report()
	if len(report) != 1 {
		t.Fatalf("Report() has %d entries, want 1", len(report))
	}
	if report[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", report[0].Attempts)
	}
	if !report[0].Permanent {
		t.Error("registration not reported as permanent")
	}
}

func TestReconcileFollowsPermissionSet(t *testing.T) {
	gw := &fakeGateway{}
	reg := callctl.NewRegistry(gw, callctl.NopSink{}, nil, callctl.Timeouts{})
	perms := permstore.NewMemory()
	perms.Grant("monitor", "2510043")
	s := New(gw, reg, perms, WithBackoff(time.Millisecond, 10*time.Millisecond))

	ctx := context.Background()
	s.Reconcile(ctx)

	report := s.Report()
	if len(report) != 1 || report[0].Extension != "2510043" || report[0].State != Attached {
		t.Fatalf("Report() after first pass = %+v, want 2510043 attached", report)
	}

	// A newly granted extension is picked up on the next pass.
	perms.Grant("monitor", "2510044")
	s.Reconcile(ctx)
	if got := len(s.Report()); got != 2 {
		t.Fatalf("Report() has %d entries after grant, want 2", got)
	}
}

func TestBackoffIsBounded(t *testing.T) {
	s, _, _ := newTestSupervisor(nil)
	s.baseBackoff = time.Second
	s.maxBackoff = 8 * time.Second

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := s.backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}
