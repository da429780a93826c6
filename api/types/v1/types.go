// Package types defines the wire types shared by the bridge API server
// and its clients.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// Extension is the state snapshot of one extension
type Extension struct {
	Extension      string `json:"extension"`
	State          string `json:"state"`
	Peer           string `json:"peer,omitempty"`
	CallRef        string `json:"call_ref,omitempty"`
	Busy           bool   `json:"busy"`
	LastTransition string `json:"last_transition,omitempty"`
}

// CommandRequest is the body of POST /api/v1/extensions/{ext}/{action}.
// Password is used by login, Target by dial; the other actions take an
// empty body.
type CommandRequest struct {
	Password string `json:"password,omitempty"`
	Target   string `json:"target,omitempty"`
}

// ErrorResponse carries a command failure
type ErrorResponse struct {
	Error string `json:"error"`
}

// StateChange is one event on the monitor stream
type StateChange struct {
	ID        string `json:"id"`
	Extension string `json:"extension"`
	Previous  string `json:"previous"`
	Current   string `json:"current"`
	Peer      string `json:"peer,omitempty"`
	CallRef   string `json:"call_ref,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Listener is one entry from /api/v1/listeners
type Listener struct {
	Extension string `json:"extension"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	NextRetry string `json:"next_retry,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

// AttachResult is the outcome of attaching one listener
type AttachResult struct {
	Extension string `json:"extension"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// AttachSummary is the response from POST /api/v1/listeners/setup
type AttachSummary struct {
	Requested int            `json:"requested"`
	Succeeded int            `json:"succeeded"`
	Results   []AttachResult `json:"results"`
}

// AuditEntry is one entry from the audit endpoints
type AuditEntry struct {
	Time      string `json:"time"`
	Extension string `json:"extension"`
	Op        string `json:"op"`
	Target    string `json:"target,omitempty"`
	Message   string `json:"message"`
	OK        bool   `json:"ok"`
}
