package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/pravado/playbook/run"
)

// Logging returns middleware that logs step start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, s *run.StepRun, next Handler) error {
		logger.Info("step started",
			slog.String("run_id", s.RunID.String()),
			slog.String("step", s.Key),
			slog.String("type", string(s.Type)),
			slog.Int("attempt", s.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("step failed",
				slog.String("run_id", s.RunID.String()),
				slog.String("step", s.Key),
				slog.Int("attempt", s.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("step completed",
				slog.String("run_id", s.RunID.String()),
				slog.String("step", s.Key),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
