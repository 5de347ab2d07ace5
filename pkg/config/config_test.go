package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "test-key"
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"missing api key", func(c *Config) { c.LLM.APIKey = "" }, "api_key"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }, "redis"},
		{"zero workers", func(c *Config) { c.Queue.WorkerCount = 0 }, "worker_count"},
		{"concurrency below workers", func(c *Config) { c.Queue.MaxConcurrentJobs = 1 }, "max_concurrent_jobs"},
		{"zero timeout", func(c *Config) { c.Queue.JobTimeout = 0 }, "job_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.LLM.APIKey = "test-key"
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quarry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
queue:
  worker_count: 2
  job_timeout: 5m
`), 0o600))

	t.Setenv("QUARRY_CONFIG", path)
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Setenv("QUEUE_WORKER_COUNT", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Queue.JobTimeout)
	assert.Equal(t, "env-key", cfg.LLM.APIKey)
	// Env wins over YAML.
	assert.Equal(t, 3, cfg.Queue.WorkerCount)
	// Untouched values keep defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("QUARRY_CONFIG", "/nonexistent/quarry.yaml")
	_, err := Load()
	assert.ErrorContains(t, err, "does not exist")
}
