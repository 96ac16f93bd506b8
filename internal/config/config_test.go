package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REMEDIATOR_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Period)
	assert.Equal(t, 3, cfg.Scheduler.EscalationThreshold)
	assert.Equal(t, 3, cfg.Runner.Concurrency)
	assert.Equal(t, 60*time.Second, cfg.Runner.AgentTimeout)
	assert.Equal(t, 3, cfg.Breaker.Threshold)
	assert.Equal(t, time.Hour, cfg.Breaker.Cooldown)
	assert.Equal(t, 24*time.Hour, cfg.Breaker.MaxCooldown)
	assert.InDelta(t, 0.9, cfg.Runner.CPUThreshold, 1e-9)
	assert.InDelta(t, 0.9, cfg.Runner.MemoryThreshold, 1e-9)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remediator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  period: 30s
runner:
  concurrency: 5
agents:
  - name: shell
    type: exec
    path: /usr/local/bin/diagnose
  - name: remote
    type: http
    endpoint: http://agents:8080/diagnose
`), 0o600))

	t.Setenv("REMEDIATOR_CONCURRENCY", "7")
	t.Setenv("REMEDIATOR_LEASE_ADDR", "redis:6379")
	t.Setenv("REMEDIATOR_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Period)
	assert.Equal(t, 7, cfg.Runner.Concurrency)
	assert.True(t, cfg.Lease.Enabled)
	assert.Equal(t, "redis:6379", cfg.Lease.Addr)
	assert.True(t, cfg.Logging.JSON)
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "http", cfg.Agents[1].Type)
	assert.Equal(t, 3, cfg.Breaker.Threshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "not found")
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := map[string]func(*Config){
		"concurrency":   func(c *Config) { c.Runner.Concurrency = 0 },
		"threshold":     func(c *Config) { c.Scheduler.EscalationThreshold = 0 },
		"cpu":           func(c *Config) { c.Runner.CPUThreshold = 1.5 },
		"cooldown":      func(c *Config) { c.Breaker.MaxCooldown = time.Minute },
		"driver":        func(c *Config) { c.Store.Driver = "mysql" },
		"sink":          func(c *Config) { c.Archive.Sink = "ftp" },
		"bucket":        func(c *Config) { c.Archive.Sink = "s3" },
		"agent type":    func(c *Config) { c.Agents = []AgentConfig{{Name: "a", Type: "grpc"}} },
		"agent dup":     func(c *Config) { c.Agents = []AgentConfig{{Name: "a", Type: "exec", Path: "x"}, {Name: "a", Type: "exec", Path: "y"}} },
		"lease address": func(c *Config) { c.Lease.Enabled = true },
		"lease ttl":     func(c *Config) { c.Lease.TTL = time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
