// Package client is a Go client for the playbook HTTP API. It mirrors
// the engine surface over the wire: submit, inspect, cancel, resume,
// and live event watching over WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/engine"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/run"
)

// Client talks to a playbook API server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a client for the API served at baseURL, e.g.
// "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: base url must be http or https, got %q", u.Scheme)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server returned %d: %s", e.Status, e.Message)
}

// SubmitRequest carries per-run submission parameters.
type SubmitRequest struct {
	Input      json.RawMessage   `json:"input,omitempty"`
	Priority   playbook.Priority `json:"priority,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	OrgID      string            `json:"org_id,omitempty"`
}

type submitBody struct {
	Playbook *playbook.Playbook `json:"playbook"`
	SubmitRequest
}

// Submit validates and starts a run of pb on the server.
func (c *Client) Submit(ctx context.Context, pb *playbook.Playbook, req SubmitRequest) (*run.Run, error) {
	var rn run.Run
	err := c.do(ctx, http.MethodPost, "/v1/runs", submitBody{Playbook: pb, SubmitRequest: req}, &rn)
	if err != nil {
		return nil, err
	}
	return &rn, nil
}

// Snapshot fetches the run, its steps, and progress counts.
func (c *Client) Snapshot(ctx context.Context, runID id.RunID) (*run.Snapshot, error) {
	var snap run.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+runID.String(), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListRuns lists runs matching the filter, newest first.
func (c *Client) ListRuns(ctx context.Context, filter run.ListFilter) ([]*run.Run, error) {
	q := url.Values{}
	if !filter.PlaybookID.IsNil() {
		q.Set("playbook_id", filter.PlaybookID.String())
	}
	if filter.OrgID != "" {
		q.Set("org_id", filter.OrgID)
	}
	if filter.State != "" {
		q.Set("state", string(filter.State))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	path := "/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var runs []*run.Run
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Cancel requests cancellation of a run and returns its updated record.
func (c *Client) Cancel(ctx context.Context, runID id.RunID) (*run.Run, error) {
	var rn run.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+runID.String()+"/cancel", nil, &rn); err != nil {
		return nil, err
	}
	return &rn, nil
}

// Resume re-enqueues the failed steps of a failed run.
func (c *Client) Resume(ctx context.Context, runID id.RunID) (*run.Run, error) {
	var rn run.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+runID.String()+"/resume", nil, &rn); err != nil {
		return nil, err
	}
	return &rn, nil
}

// Stats fetches engine statistics.
func (c *Client) Stats(ctx context.Context) (*engine.Stats, error) {
	var stats engine.Stats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("client: decode payload: %w", err)
		}
	}
	return nil
}
