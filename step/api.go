package step

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pravado/playbook"
)

// APIConfig is the Config payload for api steps.
type APIConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`

	// TimeoutSeconds bounds the request. Zero uses the client default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// APIResponse is the output an api step records.
type APIResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// API performs an outbound HTTP call with the resolved input as body.
type API struct {
	client *http.Client
}

// NewAPI returns the built-in api handler. A nil client gets a default
// with a 30 second timeout.
func NewAPI(client *http.Client) *API {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{client: client}
}

func (a *API) Execute(ctx context.Context, sc *Context) (json.RawMessage, error) {
	var cfg APIConfig
	if err := json.Unmarshal(sc.Config, &cfg); err != nil {
		return nil, playbook.NewValidationError(fmt.Sprintf("decode api config: %v", err), sc.StepKey)
	}
	if cfg.URL == "" {
		return nil, playbook.NewValidationError("api step requires a url", sc.StepKey)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var body io.Reader
	if len(sc.Input) > 0 {
		body = bytes.NewReader(sc.Input)
	}
	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("step: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	sc.logf("%s %s", cfg.Method, cfg.URL)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("step: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("step: read response: %w", err)
	}
	sc.logf("response %d (%d bytes)", resp.StatusCode, len(raw))

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("step: upstream returned %d", resp.StatusCode)
	}

	out := APIResponse{Status: resp.StatusCode}
	if json.Valid(raw) {
		out.Body = raw
	} else if len(raw) > 0 {
		enc, _ := json.Marshal(string(raw))
		out.Body = enc
	}
	return json.Marshal(out)
}
