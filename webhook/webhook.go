// Package webhook delivers terminal run notifications to caller-supplied
// URLs. Delivery is best effort and single-shot by default: a failure is
// logged and dropped, never surfaced to the run itself. Callers that
// want redelivery opt in with WithAttempts.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pravado/playbook/backoff"
	"github.com/pravado/playbook/run"
)

// Payload is the JSON body posted to the webhook URL.
type Payload struct {
	RunID        string          `json:"run_id"`
	PlaybookName string          `json:"playbook_name,omitempty"`
	State        string          `json:"state"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Notifier posts terminal run states to webhook URLs.
type Notifier struct {
	client   *http.Client
	logger   *slog.Logger
	attempts int
	backoff  backoff.Strategy
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithClient overrides the HTTP client.
func WithClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithAttempts sets how many delivery attempts are made.
func WithAttempts(attempts int) Option {
	return func(n *Notifier) {
		if attempts > 0 {
			n.attempts = attempts
		}
	}
}

// WithBackoff sets the delay strategy between delivery attempts.
func WithBackoff(s backoff.Strategy) Option {
	return func(n *Notifier) { n.backoff = s }
}

// NewNotifier creates a notifier. The default is a single delivery
// attempt with a 10 second request timeout; a failed POST is logged and
// dropped. WithAttempts opts in to redelivery.
func NewNotifier(logger *slog.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		attempts: 1,
		backoff:  backoff.NewConstant(2 * time.Second),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify posts the run's terminal state to its webhook URL. A run
// without a webhook URL is a no-op. Never returns delivery errors to
// the caller; the run outcome must not depend on the listener.
func (n *Notifier) Notify(ctx context.Context, r *run.Run) {
	if r.WebhookURL == "" {
		return
	}

	body, err := json.Marshal(Payload{
		RunID:        r.ID.String(),
		PlaybookName: r.PlaybookName,
		State:        string(r.State),
		Output:       r.Output,
		Error:        r.Error,
		CompletedAt:  r.CompletedAt,
	})
	if err != nil {
		n.logger.Error("webhook: marshal payload", "run_id", r.ID, "error", err)
		return
	}

	for attempt := 1; attempt <= n.attempts; attempt++ {
		if err := n.post(ctx, r.WebhookURL, body); err == nil {
			n.logger.Debug("webhook delivered", "run_id", r.ID, "url", r.WebhookURL, "attempt", attempt)
			return
		} else if attempt < n.attempts {
			n.logger.Warn("webhook delivery failed, retrying",
				"run_id", r.ID, "url", r.WebhookURL, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.backoff.Delay(attempt)):
			}
		} else {
			n.logger.Error("webhook delivery failed, giving up",
				"run_id", r.ID, "url", r.WebhookURL, "attempts", n.attempts, "error", err)
		}
	}
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("listener returned %d", resp.StatusCode)
	}
	return nil
}
