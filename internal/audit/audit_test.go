package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRingsSeparateSuccessesAndFailures(t *testing.T) {
	r := NewRecorder("")
	r.Record("2510043", "login", "", "ok", true)
	r.Record("2510043", "dial", "2510044", "ok", true)
	r.Record("2510043", "dial", "9999999", "unknown target", false)

	successes := r.RecentSuccesses()
	if len(successes) != 2 {
		t.Fatalf("len(RecentSuccesses()) = %d, want 2", len(successes))
	}
	// Newest first.
	if successes[0].Op != "dial" || successes[1].Op != "login" {
		t.Errorf("successes = [%s %s], want [dial login]", successes[0].Op, successes[1].Op)
	}

	failures := r.RecentFailures()
	if len(failures) != 1 {
		t.Fatalf("len(RecentFailures()) = %d, want 1", len(failures))
	}
	if failures[0].Target != "9999999" {
		t.Errorf("failure target = %q, want %q", failures[0].Target, "9999999")
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRecorder("")
	for i := 0; i < ringSize+10; i++ {
		r.Record("2510043", "dial", fmt.Sprintf("t%d", i), "ok", true)
	}

	successes := r.RecentSuccesses()
	if len(successes) != ringSize {
		t.Fatalf("len(RecentSuccesses()) = %d, want %d", len(successes), ringSize)
	}
	if got, want := successes[0].Target, fmt.Sprintf("t%d", ringSize+9); got != want {
		t.Errorf("newest target = %q, want %q", got, want)
	}
	if got, want := successes[ringSize-1].Target, "t10"; got != want {
		t.Errorf("oldest target = %q, want %q", got, want)
	}
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	r := NewRecorder(path)
	r.Record("2510043", "login", "", "ok", true)
	r.Record("2510043", "dial", "2510044", "busy", false)
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("audit file has %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"op":"login"`) {
		t.Errorf("first line missing login op: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"ok":false`) {
		t.Errorf("second line missing failure flag: %s", lines[1])
	}
}
