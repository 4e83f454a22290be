package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pravado/playbook"
)

// serverConfig is everything playbookd needs to come up. Values load
// from /etc/playbook/config.yaml (or ./config.yaml), overridable via
// PLAYBOOK_* environment variables.
type serverConfig struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Store struct {
		Backend  string `mapstructure:"backend"`
		Redis    string `mapstructure:"redis_addr"`
		RedisDB  int    `mapstructure:"redis_db"`
		Postgres string `mapstructure:"postgres_url"`
	} `mapstructure:"store"`

	Engine struct {
		WorkerConcurrency  int           `mapstructure:"worker_concurrency"`
		DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
		BaseRetryDelay     time.Duration `mapstructure:"base_retry_delay"`
		BackoffMultiplier  float64       `mapstructure:"backoff_multiplier"`
		MaxRetryDelay      time.Duration `mapstructure:"max_retry_delay"`
		StaleJobTimeout    time.Duration `mapstructure:"stale_job_timeout"`
		QueuePollInterval  time.Duration `mapstructure:"queue_poll_interval"`
		StepTimeout        time.Duration `mapstructure:"step_timeout"`
		ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
		RateLimit          float64       `mapstructure:"rate_limit"`
		RateBurst          int           `mapstructure:"rate_burst"`
	} `mapstructure:"engine"`

	Stream struct {
		Heartbeat time.Duration `mapstructure:"heartbeat"`
		MaxAge    time.Duration `mapstructure:"max_age"`
	} `mapstructure:"stream"`

	Observability struct {
		Enabled     bool   `mapstructure:"enabled"`
		ServiceName string `mapstructure:"service_name"`
	} `mapstructure:"observability"`
}

func loadConfig() (*serverConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/playbook")

	defaults := playbook.DefaultConfig()
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("engine.worker_concurrency", defaults.WorkerConcurrency)
	v.SetDefault("engine.default_max_attempts", defaults.DefaultMaxAttempts)
	v.SetDefault("engine.base_retry_delay", defaults.BaseRetryDelay)
	v.SetDefault("engine.backoff_multiplier", defaults.BackoffMultiplier)
	v.SetDefault("engine.max_retry_delay", defaults.MaxRetryDelay)
	v.SetDefault("engine.stale_job_timeout", defaults.StaleJobTimeout)
	v.SetDefault("engine.queue_poll_interval", defaults.QueuePollInterval)
	v.SetDefault("engine.step_timeout", defaults.StepTimeout)
	v.SetDefault("engine.shutdown_timeout", defaults.ShutdownTimeout)
	v.SetDefault("engine.rate_limit", 0)
	v.SetDefault("engine.rate_burst", 1)
	v.SetDefault("stream.heartbeat", 15*time.Second)
	v.SetDefault("stream.max_age", 10*time.Minute)
	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.service_name", "playbookd")

	v.SetEnvPrefix("PLAYBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// engineConfig projects the file/env settings onto the engine's config.
func (c *serverConfig) engineConfig() playbook.Config {
	cfg := playbook.DefaultConfig()
	cfg.WorkerConcurrency = c.Engine.WorkerConcurrency
	cfg.DefaultMaxAttempts = c.Engine.DefaultMaxAttempts
	cfg.BaseRetryDelay = c.Engine.BaseRetryDelay
	cfg.BackoffMultiplier = c.Engine.BackoffMultiplier
	cfg.MaxRetryDelay = c.Engine.MaxRetryDelay
	cfg.StaleJobTimeout = c.Engine.StaleJobTimeout
	cfg.QueuePollInterval = c.Engine.QueuePollInterval
	cfg.StepTimeout = c.Engine.StepTimeout
	cfg.ShutdownTimeout = c.Engine.ShutdownTimeout
	return cfg
}

func (c *serverConfig) listenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
