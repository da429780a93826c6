// Package audit keeps a trail of every call-control command issued through
// the bridge: a rotated JSON-lines file for the long tail, plus two small
// in-memory rings (successes and failures) for the status API.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const ringSize = 100

// Entry is one recorded command outcome.
type Entry struct {
	Time      time.Time `json:"time"`
	Extension string    `json:"extension"`
	Op        string    `json:"op"`
	Target    string    `json:"target,omitempty"`
	Message   string    `json:"message"`
	OK        bool      `json:"ok"`
}

// Recorder collects command outcomes. Safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	out       io.WriteCloser
	enc       *json.Encoder
	successes ring
	failures  ring
}

// NewRecorder creates a recorder writing to a size-rotated file at path.
// An empty path keeps only the in-memory rings.
func NewRecorder(path string) *Recorder {
	r := &Recorder{
		successes: newRing(ringSize),
		failures:  newRing(ringSize),
	}
	if path != "" {
		r.out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		r.enc = json.NewEncoder(r.out)
	}
	return r
}

// Record stores one command outcome.
func (r *Recorder) Record(extension, op, target, message string, ok bool) {
	e := Entry{
		Time:      time.Now(),
		Extension: extension,
		Op:        op,
		Target:    target,
		Message:   message,
		OK:        ok,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.successes.add(e)
	} else {
		r.failures.add(e)
	}
	if r.enc != nil {
		if err := r.enc.Encode(e); err != nil {
			slog.Warn("[Audit] Failed to write audit entry", "error", err)
		}
	}
}

// RecentSuccesses returns the most recent successful commands, newest first.
func (r *Recorder) RecentSuccesses() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes.entries()
}

// RecentFailures returns the most recent failed commands, newest first.
func (r *Recorder) RecentFailures() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures.entries()
}

// Close flushes and closes the file sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out == nil {
		return nil
	}
	return r.out.Close()
}

// ring is a fixed-size overwrite-oldest buffer.
type ring struct {
	buf   []Entry
	next  int
	count int
}

func newRing(size int) ring {
	return ring{buf: make([]Entry, size)}
}

func (r *ring) add(e Entry) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// entries returns the ring's contents, newest first.
func (r *ring) entries() []Entry {
	out := make([]Entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
