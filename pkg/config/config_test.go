package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Batch.MaxWorkers)
	assert.Equal(t, 3, cfg.Batch.MaxRetries)
	assert.Equal(t, time.Hour, cfg.Credentials.QuotaCooldown)
	assert.Equal(t, "./checkpoints", cfg.Checkpoint.Dir)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "_lesson_plan.md", cfg.Output.Suffix)
	assert.Empty(t, cfg.Credentials.Keys)
	assert.Error(t, cfg.RequireRunnable())
}

func TestFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ffbatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
batch:
  max_workers: 2
  failure_threshold: 0.5
credentials:
  keys: [file-key-aaaaaaaa]
  quota_cooldown: 30m
checkpoint:
  dir: /tmp/cps
  interval: 15s
executor:
  command: analyze
  args: ["--in", "{source}"]
store:
  type: sqlite
  path: /tmp/ffbatch.db
`), 0o644))

	t.Setenv("FFBATCH_BATCH_MAX_WORKERS", "6")
	t.Setenv("FFBATCH_API_KEYS", "key-one-11111111, key-two-22222222,,")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Batch.MaxWorkers, "environment wins over file")
	assert.Equal(t, 0.5, cfg.Batch.FailureThreshold)
	assert.Equal(t, []string{"key-one-11111111", "key-two-22222222"}, cfg.Credentials.Keys)
	assert.Equal(t, 30*time.Minute, cfg.Credentials.QuotaCooldown)
	assert.Equal(t, 15*time.Second, cfg.Checkpoint.Interval)
	assert.Equal(t, []string{"--in", "{source}"}, cfg.Executor.Args)
	assert.NoError(t, cfg.RequireRunnable())

	oc := cfg.Orchestrator()
	assert.Equal(t, 6, oc.MaxWorkers)
	assert.Equal(t, 6, oc.Pool.MaxWorkers)
	assert.Equal(t, "/tmp/cps", oc.Checkpoint.Dir)
	assert.Equal(t, 30*time.Minute, oc.Credentials.QuotaCooldown)
	assert.Equal(t, 3, oc.Pool.Limits.MaxRetries)

	sc := cfg.StoreConfig()
	assert.Equal(t, "sqlite", sc.Type)
	assert.Equal(t, "/tmp/ffbatch.db", sc.Path)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"zero workers", func(c *Config) { c.Batch.MaxWorkers = 0 }, "batch.max_workers"},
		{"threshold above one", func(c *Config) { c.Batch.FailureThreshold = 1.5 }, "batch.failure_threshold"},
		{"unknown store", func(c *Config) { c.Store.Type = "mongo" }, "store.type"},
		{"sqlite without path", func(c *Config) { c.Store.Type = "sqlite" }, "store.path"},
		{"postgres without dsn", func(c *Config) { c.Store.Type = "postgres" }, "store.dsn"},
		{"backoff inverted", func(c *Config) { c.Retry.MaxBackoff = time.Millisecond }, "retry.max_backoff"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"no checkpoint dir", func(c *Config) { c.Checkpoint.Dir = "" }, "checkpoint.dir"},
		{"bad cpu max", func(c *Config) { c.Executor.CPUMax = "fast" }, "executor limits"},
		{"cert without key", func(c *Config) { c.Server.TLSCert = "cert.pem" }, "server.tls_cert"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(NewViper())
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)
	cfg.Credentials.Keys = []string{"sk-abcdefghijklmnop"}
	cfg.Store.DSN = "postgres://user:secret@db/ffbatch"
	cfg.Server.Token = "control-secret"

	r := cfg.Redacted()
	assert.Equal(t, []string{"sk-a...mnop"}, r.Credentials.Keys)
	assert.Equal(t, "<redacted>", r.Store.DSN)
	assert.Equal(t, "<redacted>", r.Server.Token)
	assert.Equal(t, "sk-abcdefghijklmnop", cfg.Credentials.Keys[0], "original untouched")
}

func TestBudget(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Nil(t, cfg.Budget())
	cfg.Retry.BudgetPerHour = 10
	assert.NotNil(t, cfg.Budget())
}
