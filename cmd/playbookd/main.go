// Command playbookd runs the playbook engine as an HTTP server: run
// submission and lifecycle endpoints, live event streams, and an
// in-process scheduler for recurring playbooks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pravado/playbook/api"
	"github.com/pravado/playbook/engine"
	"github.com/pravado/playbook/observability"
	"github.com/pravado/playbook/run"
	"github.com/pravado/playbook/schedule"
	"github.com/pravado/playbook/store/memory"
	pgstore "github.com/pravado/playbook/store/postgres"
	redisstore "github.com/pravado/playbook/store/redis"
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintf(os.Stderr, "playbookd: %v\n", err)
		os.Exit(1)
	}
}

func realMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Close()

	engOpts := []engine.Option{
		engine.WithConfig(cfg.engineConfig()),
		engine.WithLogger(logger),
	}
	if cfg.Engine.RateLimit > 0 {
		engOpts = append(engOpts, engine.WithRateLimit(cfg.Engine.RateLimit, cfg.Engine.RateBurst))
	}

	var providers *observability.Providers
	if cfg.Observability.Enabled {
		providers = observability.New(cfg.Observability.ServiceName)
		engOpts = append(engOpts,
			engine.WithTracerProvider(providers.Tracer),
			engine.WithMeterProvider(providers.Meter),
		)
	}

	eng, err := engine.New(store, engOpts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	sched := schedule.NewScheduler(eng, schedule.WithLogger(logger))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	handler := api.New(eng,
		api.WithLogger(logger),
		api.WithHeartbeat(cfg.Stream.Heartbeat),
		api.WithMaxStreamAge(cfg.Stream.MaxAge),
	).Handler()

	srv := &http.Server{
		Addr:    cfg.listenAddr(),
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("playbookd listening",
			"addr", srv.Addr,
			"store", cfg.Store.Backend,
			"concurrency", cfg.Engine.WorkerConcurrency,
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler stop", "error", err)
		}
		if err := eng.Stop(shutdownCtx); err != nil {
			logger.Warn("engine stop", "error", err)
		}
		if providers != nil {
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Warn("observability shutdown", "error", err)
			}
		}
		return nil
	})
	return g.Wait()
}

func buildLogger(cfg *serverConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Log.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Log.Format)
	}
	return slog.New(handler), nil
}

func openStore(ctx context.Context, cfg *serverConfig, logger *slog.Logger) (run.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memory.New(), nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr: cfg.Store.Redis,
			DB:   cfg.Store.RedisDB,
		})
		st := redisstore.New(client, redisstore.WithLogger(logger))
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			return nil, err
		}
		return st, nil

	case "postgres":
		if cfg.Store.Postgres == "" {
			return nil, fmt.Errorf("store.postgres_url is required for the postgres backend")
		}
		st, err := pgstore.New(ctx, cfg.Store.Postgres, pgstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
