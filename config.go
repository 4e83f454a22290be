package playbook

import "time"

// Config holds execution tuning for the engine.
type Config struct {
	// WorkerConcurrency is the number of concurrent step workers.
	WorkerConcurrency int

	// DefaultMaxAttempts is the attempt budget for steps that do not set
	// their own MaxAttempts.
	DefaultMaxAttempts int

	// BaseRetryDelay is the delay before the first retry attempt.
	BaseRetryDelay time.Duration

	// BackoffMultiplier scales the retry delay for each further attempt.
	BackoffMultiplier float64

	// MaxRetryDelay caps the computed retry delay.
	MaxRetryDelay time.Duration

	// StaleJobTimeout is how long a leased job may go without completing
	// before it is reclaimed and counted as a failed attempt.
	StaleJobTimeout time.Duration

	// QueuePollInterval is how often idle workers poll the queue.
	QueuePollInterval time.Duration

	// StepTimeout is the per-step execution deadline. Zero disables it.
	StepTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WorkerConcurrency:  5,
		DefaultMaxAttempts: 3,
		BaseRetryDelay:     time.Second,
		BackoffMultiplier:  2.0,
		MaxRetryDelay:      time.Minute,
		StaleJobTimeout:    30 * time.Second,
		QueuePollInterval:  250 * time.Millisecond,
		StepTimeout:        5 * time.Minute,
		ShutdownTimeout:    30 * time.Second,
	}
}
