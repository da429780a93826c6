// Package client is a Go HTTP client for the bridge API. Tooling and
// tests use it instead of hand-rolling requests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	types "github.com/sebas/ctibridge/api/types/v1"
)

// Client is an HTTP client for a bridge API server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new bridge API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// BaseURL returns the server base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health fetches health status from the bridge
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	resp, err := c.get(ctx, "/api/v1/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health types.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &health, nil
}

// Extensions fetches the state of every known extension
func (c *Client) Extensions(ctx context.Context) ([]types.Extension, error) {
	resp, err := c.get(ctx, "/api/v1/extensions")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var exts []types.Extension
	if err := json.NewDecoder(resp.Body).Decode(&exts); err != nil {
		return nil, fmt.Errorf("decode extensions: %w", err)
	}
	return exts, nil
}

// Extension fetches the state of one extension
func (c *Client) Extension(ctx context.Context, ext string) (*types.Extension, error) {
	resp, err := c.get(ctx, "/api/v1/extensions/"+ext)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var state types.Extension
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode extension: %w", err)
	}
	return &state, nil
}

// CommandError is a rejected command, carrying the HTTP status and the
// server's message.
type CommandError struct {
	Status  int
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command rejected (status %d): %s", e.Status, e.Message)
}

// Login logs the extension into the platform
func (c *Client) Login(ctx context.Context, ext, password string) (*types.Extension, error) {
	return c.command(ctx, ext, "login", types.CommandRequest{Password: password})
}

// Logout logs the extension out
func (c *Client) Logout(ctx context.Context, ext string) (*types.Extension, error) {
	return c.command(ctx, ext, "logout", types.CommandRequest{})
}

// Dial places an outbound call from the extension to target
func (c *Client) Dial(ctx context.Context, ext, target string) (*types.Extension, error) {
	return c.command(ctx, ext, "dial", types.CommandRequest{Target: target})
}

// Answer accepts the ringing inbound call on the extension
func (c *Client) Answer(ctx context.Context, ext string) (*types.Extension, error) {
	return c.command(ctx, ext, "answer", types.CommandRequest{})
}

// Hangup ends the extension's current call
func (c *Client) Hangup(ctx context.Context, ext string) (*types.Extension, error) {
	return c.command(ctx, ext, "hangup", types.CommandRequest{})
}

// Listeners fetches the listener report
func (c *Client) Listeners(ctx context.Context) ([]types.Listener, error) {
	resp, err := c.get(ctx, "/api/v1/listeners")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var listeners []types.Listener
	if err := json.NewDecoder(resp.Body).Decode(&listeners); err != nil {
		return nil, fmt.Errorf("decode listeners: %w", err)
	}
	return listeners, nil
}

// SetupListeners attaches listeners for every monitorable extension
func (c *Client) SetupListeners(ctx context.Context) (*types.AttachSummary, error) {
	resp, err := c.post(ctx, "/api/v1/listeners/setup", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var summary types.AttachSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("decode attach summary: %w", err)
	}
	return &summary, nil
}

// AuditSuccesses fetches recent successful commands
func (c *Client) AuditSuccesses(ctx context.Context) ([]types.AuditEntry, error) {
	return c.audit(ctx, "/api/v1/audit/successes")
}

// AuditFailures fetches recent failed commands
func (c *Client) AuditFailures(ctx context.Context) ([]types.AuditEntry, error) {
	return c.audit(ctx, "/api/v1/audit/failures")
}

func (c *Client) audit(ctx context.Context, path string) ([]types.AuditEntry, error) {
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var entries []types.AuditEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode audit entries: %w", err)
	}
	return entries, nil
}

// command posts one call-control action and decodes the resulting
// snapshot. A non-2xx answer becomes a CommandError.
func (c *Client) command(ctx context.Context, ext, action string, body types.CommandRequest) (*types.Extension, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	path := fmt.Sprintf("/api/v1/extensions/%s/%s", ext, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr types.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, &CommandError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	var state types.Extension
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode extension: %w", err)
	}
	return &state, nil
}

// get performs an HTTP GET request
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return resp, nil
}

// post performs an HTTP POST request
func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return resp, nil
}
