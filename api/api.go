// Package api exposes the engine over HTTP: run submission and lifecycle
// endpoints, engine statistics, and live event streaming over SSE and
// WebSocket. The store remains the source of truth; streams are a best
// effort mirror of the event bus.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/engine"
)

const (
	defaultHeartbeat    = 15 * time.Second
	defaultMaxStreamAge = 10 * time.Minute
)

// API serves the engine's HTTP surface.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger

	heartbeat    time.Duration
	maxStreamAge time.Duration
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithHeartbeat sets the interval between SSE keepalive comments.
func WithHeartbeat(d time.Duration) Option {
	return func(a *API) { a.heartbeat = d }
}

// WithMaxStreamAge caps how long a single streaming connection may live
// before the server closes it. Zero means no cap.
func WithMaxStreamAge(d time.Duration) Option {
	return func(a *API) { a.maxStreamAge = d }
}

// New builds an API around a started engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:          eng,
		logger:       slog.Default(),
		heartbeat:    defaultHeartbeat,
		maxStreamAge: defaultMaxStreamAge,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the routed HTTP handler.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(a.logRequests)

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/runs", a.handleSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/runs", a.handleListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", a.handleGetRun).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{id}/resume", a.handleResume).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{id}/events", a.handleRunSSE).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/ws", a.handleRunWS).Methods(http.MethodGet)
	v1.HandleFunc("/events", a.handleFirehoseSSE).Methods(http.MethodGet)
	v1.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)

	return r
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	})
}

// response is the envelope every endpoint returns.
type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (a *API) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response{Success: true, Data: data}); err != nil {
		a.logger.Warn("encode response failed", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(response{Error: err.Error()}); encErr != nil {
		a.logger.Warn("encode error response failed", "error", encErr)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case playbook.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, playbook.ErrRunNotFound),
		errors.Is(err, playbook.ErrStepRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, playbook.ErrRunTerminal),
		errors.Is(err, playbook.ErrRunNotResumable):
		return http.StatusConflict
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
