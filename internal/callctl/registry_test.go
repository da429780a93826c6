package callctl

import (
	"context"
	"testing"

	"github.com/sebas/ctibridge/internal/provider"
)

func newTestRegistry() (*Registry, *fakeGateway, *memorySink) {
	gw := &fakeGateway{}
	sink := &memorySink{}
	return NewRegistry(gw, sink, nil, shortTimeouts()), gw, sink
}

func TestGetReturnsSameMachine(t *testing.T) {
	r, _, _ := newTestRegistry()

	a := r.Get("2510043")
	b := r.Get("2510043")
	if a != b {
		t.Error("Get() returned different machines for the same extension")
	}
	if a.Extension() != "2510043" {
		t.Errorf("Extension() = %q, want %q", a.Extension(), "2510043")
	}
}

func TestRouteDropsUnknownExtension(t *testing.T) {
	r, _, sink := newTestRegistry()

	r.Route(provider.Event{Kind: provider.KindConnected, Extension: "7000000"})

	if _, ok := r.Lookup("7000000"); ok {
		t.Error("Route() materialized a machine for an unknown extension")
	}
	if got := len(sink.Changes()); got != 0 {
		t.Errorf("changes = %d, want 0", got)
	}
}

func TestRouteDeliversToOwningMachine(t *testing.T) {
	r, _, _ := newTestRegistry()
	m := r.Get("2510043")

	r.Route(provider.Event{Kind: provider.KindRinging, Extension: "2510043", Peer: "2510044"})
	if got := m.State(); got != StateRinging {
		t.Errorf("State() = %v, want %v", got, StateRinging)
	}
}

func TestExtensionsAreIsolated(t *testing.T) {
	r, gw, _ := newTestRegistry()

	a := r.Get("2510043")
	b := r.Get("2510044")
	gw.onLogin = func(extension, token string) error {
		r.Route(provider.Event{Kind: provider.KindLoginOK, Extension: extension, Token: token})
		return nil
	}

	if err := a.Login(context.Background(), "secret"); err != nil {
		t.Fatalf("Login(a) error = %v", err)
	}
	if got := b.State(); got != StateLoggedOut {
		t.Errorf("b.State() = %v, want %v", got, StateLoggedOut)
	}

	// b ringing does not disturb a.
	r.Route(provider.Event{Kind: provider.KindRinging, Extension: "2510044", Peer: "x"})
	if got := a.State(); got != StateIdle {
		t.Errorf("a.State() = %v, want %v", got, StateIdle)
	}
}

func TestSnapshotsAreOrdered(t *testing.T) {
	r, _, _ := newTestRegistry()
	r.Get("2510045")
	r.Get("2510043")
	r.Get("2510044")

	snaps := r.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("len(Snapshots()) = %d, want 3", len(snaps))
	}
	want := []string{"2510043", "2510044", "2510045"}
	for i, w := range want {
		if snaps[i].Extension != w {
			t.Errorf("Snapshots()[%d].Extension = %q, want %q", i, snaps[i].Extension, w)
		}
	}
}
