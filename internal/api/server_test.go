package api

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	types "github.com/sebas/ctibridge/api/types/v1"
	"github.com/sebas/ctibridge/internal/audit"
	"github.com/sebas/ctibridge/internal/callctl"
	"github.com/sebas/ctibridge/internal/client"
	"github.com/sebas/ctibridge/internal/notify"
	"github.com/sebas/ctibridge/internal/permstore"
	"github.com/sebas/ctibridge/internal/provider"
	"github.com/sebas/ctibridge/internal/supervisor"
)

// stubGateway confirms every command immediately, so HTTP round trips
// exercise the full command path without a PBX.
type stubGateway struct {
	mu      sync.Mutex
	handler provider.EventHandler
}

func (g *stubGateway) OnEvent(fn provider.EventHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = fn
}

func (g *stubGateway) emit(evt provider.Event) {
	g.mu.Lock()
	fn := g.handler
	g.mu.Unlock()
	if fn != nil {
		fn(evt)
	}
}

func (g *stubGateway) Login(ctx context.Context, ext, password, token string) error {
	if password == "wrong" {
		g.emit(provider.Event{Kind: provider.KindLoginFailed, Extension: ext, Token: token, Code: 401, Reason: "Unauthorized"})
		return nil
	}
	g.emit(provider.Event{Kind: provider.KindLoginOK, Extension: ext, Token: token})
	return nil
}

func (g *stubGateway) Dial(ctx context.Context, from, to, token string) error {
	if to == "9999" {
		g.emit(provider.Event{Kind: provider.KindDialFailed, Extension: from, Token: token, Code: 404, Reason: "Not Found"})
		return nil
	}
	g.emit(provider.Event{Kind: provider.KindDialing, Extension: from, Peer: to, CallRef: "call-1", Token: token})
	return nil
}

func (g *stubGateway) Answer(ctx context.Context, ext, token string) error {
	g.emit(provider.Event{Kind: provider.KindConnected, Extension: ext, Token: token})
	return nil
}

func (g *stubGateway) Hangup(ctx context.Context, ext, token string) error {
	g.emit(provider.Event{Kind: provider.KindDisconnected, Extension: ext, Token: token})
	return nil
}

func (g *stubGateway) Logout(ctx context.Context, ext string) error          { return nil }
func (g *stubGateway) AttachListener(ctx context.Context, ext string) error { return nil }
func (g *stubGateway) DetachListener(ctx context.Context, ext string) error { return nil }

type testBridge struct {
	gateway  *stubGateway
	registry *callctl.Registry
	perms    *permstore.Memory
	server   *httptest.Server
	client   *client.Client
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()

	gw := &stubGateway{}
	hub := notify.NewHub(nil)
	pub := notify.NewPublisher(hub, 64)
	t.Cleanup(pub.Close)
	recorder := audit.NewRecorder("")
	timeouts := callctl.Timeouts{
		Login:  time.Second,
		Dial:   time.Second,
		Answer: time.Second,
		Hangup: time.Second,
	}
	registry := callctl.NewRegistry(gw, pub, recorder, timeouts)
	gw.OnEvent(func(evt provider.Event) { registry.Route(evt) })

	perms := permstore.NewMemory()
	sup := supervisor.New(gw, registry, perms)

	apiSrv := NewServer("127.0.0.1:0", registry, sup, hub, recorder)
	ts := httptest.NewServer(apiSrv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &testBridge{
		gateway:  gw,
		registry: registry,
		perms:    perms,
		server:   ts,
		client:   client.NewClient(ts.URL),
	}
}

func TestHealthEndpoint(t *testing.T) {
	b := newTestBridge(t)

	health, err := b.client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("Status = %q, want %q", health.Status, "ok")
	}
}

func TestCommandRoundTrip(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	state, err := b.client.Login(ctx, "2510043", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if state.State != "idle" {
		t.Errorf("state after login = %q, want %q", state.State, "idle")
	}

	state, err = b.client.Dial(ctx, "2510043", "2510044")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if state.State != "dialing" {
		t.Errorf("state after dial = %q, want %q", state.State, "dialing")
	}
	if state.Peer != "2510044" {
		t.Errorf("peer = %q, want %q", state.Peer, "2510044")
	}

	state, err = b.client.Hangup(ctx, "2510043")
	if err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if state.State != "idle" {
		t.Errorf("state after hangup = %q, want %q", state.State, "idle")
	}

	state, err = b.client.Logout(ctx, "2510043")
	if err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if state.State != "logged_out" {
		t.Errorf("state after logout = %q, want %q", state.State, "logged_out")
	}
}

func TestCommandErrorsMapToStatusCodes(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	_, err := b.client.Login(ctx, "2510043", "wrong")
	assertCommandStatus(t, err, http.StatusUnauthorized)

	if _, err := b.client.Login(ctx, "2510043", "secret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	_, err = b.client.Dial(ctx, "2510043", "9999")
	assertCommandStatus(t, err, http.StatusNotFound)

	_, err = b.client.Hangup(ctx, "2510043")
	assertCommandStatus(t, err, http.StatusConflict)

	_, err = b.client.Answer(ctx, "2510043")
	assertCommandStatus(t, err, http.StatusConflict)

	if _, err := b.client.Dial(ctx, "2510043", "2510044"); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	_, err = b.client.Logout(ctx, "2510043")
	assertCommandStatus(t, err, http.StatusConflict)
}

func TestCommandOnUnknownExtensionIs404(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	for _, call := range []func() (*types.Extension, error){
		func() (*types.Extension, error) { return b.client.Dial(ctx, "2510099", "2510044") },
		func() (*types.Extension, error) { return b.client.Answer(ctx, "2510099") },
		func() (*types.Extension, error) { return b.client.Hangup(ctx, "2510099") },
		func() (*types.Extension, error) { return b.client.Logout(ctx, "2510099") },
	} {
		_, err := call()
		var cmdErr *client.CommandError
		if !errors.As(err, &cmdErr) {
			t.Fatalf("error = %v, want *client.CommandError", err)
		}
		if cmdErr.Status != http.StatusNotFound {
			t.Errorf("status = %d, want %d", cmdErr.Status, http.StatusNotFound)
		}
	}

	// None of the rejected commands may have materialized a machine.
	if _, ok := b.registry.Lookup("2510099"); ok {
		t.Error("registry created a machine for a never-seen extension")
	}

	// Login is the one command that brings an extension into being.
	if _, err := b.client.Login(ctx, "2510099", "secret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, ok := b.registry.Lookup("2510099"); !ok {
		t.Error("registry has no machine after login")
	}
}

func assertCommandStatus(t *testing.T, err error, want int) {
	t.Helper()
	var cmdErr *client.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want *client.CommandError", err)
	}
	if cmdErr.Status != want {
		t.Errorf("status = %d, want %d", cmdErr.Status, want)
	}
	if cmdErr.Message == "" {
		t.Error("expected an error message from the server")
	}
}

func TestExtensionSnapshots(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	if _, err := b.client.Login(ctx, "2510043", "secret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	exts, err := b.client.Extensions(ctx)
	if err != nil {
		t.Fatalf("Extensions() error = %v", err)
	}
	if len(exts) != 1 {
		t.Fatalf("len(Extensions()) = %d, want 1", len(exts))
	}

	ext, err := b.client.Extension(ctx, "2510043")
	if err != nil {
		t.Fatalf("Extension() error = %v", err)
	}
	if ext.State != "idle" || ext.Extension != "2510043" {
		t.Errorf("Extension() = %+v, want idle 2510043", ext)
	}

	if _, err := b.client.Extension(ctx, "9999"); err == nil {
		t.Error("expected error for unknown extension")
	}
}

func TestListenerSetupAndReport(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	b.perms.Grant("alice", "2510043")
	b.perms.Grant("alice", "2510044")

	summary, err := b.client.SetupListeners(ctx)
	if err != nil {
		t.Fatalf("SetupListeners() error = %v", err)
	}
	if summary.Requested != 2 || summary.Succeeded != 2 {
		t.Errorf("summary = %d/%d, want 2/2", summary.Succeeded, summary.Requested)
	}

	listeners, err := b.client.Listeners(ctx)
	if err != nil {
		t.Fatalf("Listeners() error = %v", err)
	}
	if len(listeners) != 2 {
		t.Fatalf("len(Listeners()) = %d, want 2", len(listeners))
	}
	for _, l := range listeners {
		if l.State != "attached" {
			t.Errorf("listener %s state = %q, want %q", l.Extension, l.State, "attached")
		}
	}
}

func TestAuditEndpoints(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	if _, err := b.client.Login(ctx, "2510043", "secret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := b.client.Hangup(ctx, "2510043"); err == nil {
		t.Fatal("expected hangup to fail with no call")
	}

	successes, err := b.client.AuditSuccesses(ctx)
	if err != nil {
		t.Fatalf("AuditSuccesses() error = %v", err)
	}
	if len(successes) != 1 || successes[0].Op != "login" {
		t.Errorf("successes = %+v, want one login entry", successes)
	}

	failures, err := b.client.AuditFailures(ctx)
	if err != nil {
		t.Fatalf("AuditFailures() error = %v", err)
	}
	if len(failures) != 1 || failures[0].Op != "hangup" {
		t.Errorf("failures = %+v, want one hangup entry", failures)
	}
}

func TestEventStreamDeliversStateChanges(t *testing.T) {
	b := newTestBridge(t)

	resp, err := http.Get(b.server.URL + "/api/v1/events?monitor=alice")
	if err != nil {
		t.Fatalf("GET /events error = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)
	waitForLine(t, reader, "event: connected")

	if _, err := b.client.Login(context.Background(), "2510043", "secret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	waitForLine(t, reader, "event: state")
	data := waitForLine(t, reader, "data: ")
	if !strings.Contains(data, `"current":"logging_in"`) {
		t.Errorf("first state frame = %q, want current logging_in", data)
	}
}

func TestEventStreamRequiresMonitor(t *testing.T) {
	b := newTestBridge(t)

	resp, err := http.Get(b.server.URL + "/api/v1/events")
	if err != nil {
		t.Fatalf("GET /events error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

// waitForLine reads SSE lines until one starts with prefix.
func waitForLine(t *testing.T, reader *bufio.Reader, prefix string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
	t.Fatalf("no line with prefix %q before deadline", prefix)
	return ""
}
