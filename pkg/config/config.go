// Package config holds runtime configuration: env vars with defaults plus an
// optional YAML file for worker, bus, and model tuning.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level runtime configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Redis  RedisConfig  `yaml:"redis"`
	LLM    LLMConfig    `yaml:"llm"`
	Queue  QueueConfig  `yaml:"queue"`

	// WebSearchAPIKey enables the search_web tool when set.
	WebSearchAPIKey string `yaml:"web_search_api_key"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig contains event bus connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LLMConfig contains model provider settings.
type LLMConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	VisionModel    string        `yaml:"vision_model"`
	MaxTokens      int           `yaml:"max_tokens"`
	MaxIterations  int           `yaml:"max_iterations"`
	EnableThinking bool          `yaml:"enable_thinking"`
	ThinkingBudget int           `yaml:"thinking_budget"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// QueueConfig contains worker pool configuration. These values control how
// jobs are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentJobs is the global limit of concurrently running jobs
	// across all replicas, enforced by a database COUNT check.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// PollInterval is the base interval for checking pending jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter spreads replicas apart. Actual interval:
	// PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// JobTimeout is the maximum time one job may run.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// PickupGrace is how long a pending job is left for its inline client
	// before the pool polls it up. Explicit start hand-offs skip the grace.
	PickupGrace time.Duration `yaml:"pickup_grace"`

	// SubmitBuffer sizes the explicit hand-off channel.
	SubmitBuffer int `yaml:"submit_buffer"`

	// GracefulShutdownTimeout is the max wait for in-flight jobs on Stop.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		LLM: LLMConfig{
			Model:          "claude-sonnet-4-20250514",
			VisionModel:    "claude-sonnet-4-20250514",
			MaxTokens:      8192,
			MaxIterations:  12,
			EnableThinking: true,
			ThinkingBudget: 4096,
			MaxRetries:     3,
			RetryDelay:     time.Second,
		},
		Queue: QueueConfig{
			WorkerCount:             4,
			MaxConcurrentJobs:       8,
			PollInterval:            time.Second,
			PollIntervalJitter:      500 * time.Millisecond,
			JobTimeout:              10 * time.Minute,
			PickupGrace:             30 * time.Second,
			SubmitBuffer:            64,
			GracefulShutdownTimeout: 10 * time.Minute,
		},
	}
}

// Validate checks the configuration before wiring.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm api_key is required (set ANTHROPIC_API_KEY)")
	}
	if c.Queue.WorkerCount <= 0 {
		return fmt.Errorf("queue worker_count must be positive")
	}
	if c.Queue.MaxConcurrentJobs < c.Queue.WorkerCount {
		return fmt.Errorf("queue max_concurrent_jobs (%d) must be >= worker_count (%d)",
			c.Queue.MaxConcurrentJobs, c.Queue.WorkerCount)
	}
	if c.Queue.JobTimeout <= 0 {
		return fmt.Errorf("queue job_timeout must be positive")
	}
	return nil
}
