// Package engine wires all playbook subsystems together: store, queue,
// step registry, event bus, worker pool and webhook notifier. It owns
// the scheduling decisions — which steps become ready when others
// finish — and the run-level lifecycle (submit, cancel, resume).
//
// This package sits above all subsystem packages and below the
// application layer; the root playbook package defines the shared
// types and cannot import the subsystems back.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pravado/playbook"
	"github.com/pravado/playbook/backoff"
	"github.com/pravado/playbook/event"
	"github.com/pravado/playbook/graph"
	"github.com/pravado/playbook/id"
	mw "github.com/pravado/playbook/middleware"
	"github.com/pravado/playbook/queue"
	"github.com/pravado/playbook/run"
	"github.com/pravado/playbook/step"
	"github.com/pravado/playbook/webhook"
	"github.com/pravado/playbook/worker"
)

// Engine coordinates run execution end to end.
type Engine struct {
	cfg      playbook.Config
	store    run.Store
	queue    *queue.Queue
	registry *step.Registry
	bus      *event.Bus
	notifier *webhook.Notifier
	pool     *worker.Pool
	logger   *slog.Logger

	bo      backoff.Strategy
	invoker step.Invoker
	mws     []mw.Middleware

	rateLimit float64
	rateBurst int

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// locks serializes readiness recomputation per run.
	locks sync.Map // runID string → *sync.Mutex

	// graphs caches the parsed dependency graph per run.
	graphs sync.Map // runID string → *graph.Graph
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides the default execution tuning.
func WithConfig(cfg playbook.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithBackoff sets the retry backoff strategy. If not set, an
// exponential strategy derived from the config is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithInvoker sets the agent invoker. Without one, agent steps fail
// with ErrNoHandler.
func WithInvoker(inv step.Invoker) Option {
	return func(e *Engine) { e.invoker = inv }
}

// WithHandler replaces the handler for a step type.
func WithHandler(t playbook.StepType, h step.Handler) Option {
	return func(e *Engine) { e.registry.Register(t, h) }
}

// WithMiddleware appends middleware to the step execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithNotifier overrides the webhook notifier.
func WithNotifier(n *webhook.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRateLimit caps sustained job lease throughput in jobs per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Engine) {
		e.rateLimit = perSecond
		e.rateBurst = burst
	}
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set,
// the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. If not set, the
// global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New creates an Engine on top of the given store.
func New(store run.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, playbook.ErrNoStore
	}

	e := &Engine{
		cfg:      playbook.DefaultConfig(),
		store:    store,
		registry: step.DefaultRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.bo == nil {
		e.bo = backoff.NewExponentialWithJitter(
			e.cfg.BaseRetryDelay, e.cfg.BackoffMultiplier, e.cfg.MaxRetryDelay)
	}
	if e.invoker != nil {
		e.registry.Register(playbook.StepTypeAgent, step.NewAgent(e.invoker))
	}
	if e.bus == nil {
		e.bus = event.NewBus(e.logger)
	}
	if e.notifier == nil {
		e.notifier = webhook.NewNotifier(e.logger)
	}

	queueOpts := []queue.Option{queue.WithBackoff(e.bo)}
	if e.rateLimit > 0 {
		queueOpts = append(queueOpts, queue.WithRateLimit(e.rateLimit, e.rateBurst))
	}
	e.queue = queue.New(queueOpts...)

	// Tracing and metrics middleware honor a custom provider when set.
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/pravado/playbook"))
	} else {
		tracingMw = mw.Tracing()
	}
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/pravado/playbook"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default chain: recover → tracing → metrics → logging → timeout.
	allMws := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Timeout(e.cfg.StepTimeout),
	}
	allMws = append(allMws, e.mws...)

	lockRun := func(runID id.RunID) *sync.Mutex { return e.runLock(runID.String()) }
	executor := worker.NewExecutor(e.store, e.queue, e.registry, e.bus, e.logger,
		e.handleStepTerminal, lockRun, allMws...)
	e.pool = worker.NewPool(e.queue, executor, e.logger,
		worker.WithConcurrency(e.cfg.WorkerConcurrency),
		worker.WithPollInterval(e.cfg.QueuePollInterval),
		worker.WithStaleTimeout(e.cfg.StaleJobTimeout),
	)

	return e, nil
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	return e.pool.Start(ctx)
}

// Stop gracefully shuts the engine down: the pool drains in-flight
// steps up to the configured shutdown timeout, then the queue and bus
// close.
func (e *Engine) Stop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	defer cancel()

	err := e.pool.Stop(stopCtx)
	if qErr := e.queue.Close(); qErr != nil && err == nil {
		err = qErr
	}
	e.bus.Shutdown()
	return err
}

// Bus returns the event bus for streaming consumers.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Registry returns the step handler registry.
func (e *Engine) Registry() *step.Registry { return e.registry }

// Store returns the underlying run store.
func (e *Engine) Store() run.Store { return e.store }

// Stats is a point-in-time view across subsystems.
type Stats struct {
	Queue  queue.Stats      `json:"queue"`
	Pool   worker.PoolStats `json:"pool"`
	Events event.Stats      `json:"events"`
}

// Stats returns current engine statistics.
func (e *Engine) Stats(ctx context.Context) Stats {
	return Stats{
		Queue:  e.queue.Stats(ctx),
		Pool:   e.pool.Stats(),
		Events: e.bus.Stats(),
	}
}

// runLock returns the mutex serializing scheduling for one run.
func (e *Engine) runLock(runID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(runID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// graphFor returns the cached dependency graph for a run, building it
// from the run's definition snapshot on first use.
func (e *Engine) graphFor(r *run.Run) (*graph.Graph, error) {
	key := r.ID.String()
	if g, ok := e.graphs.Load(key); ok {
		return g.(*graph.Graph), nil
	}
	g, err := graph.Build(r.Definition)
	if err != nil {
		return nil, err
	}
	e.graphs.Store(key, g)
	return g, nil
}

// forget drops per-run scheduling state once a run is terminal.
func (e *Engine) forget(runID string) {
	e.locks.Delete(runID)
	e.graphs.Delete(runID)
}
