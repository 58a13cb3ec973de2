package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseYAML(t *testing.T) {
	data := []byte(`
log:
  level: debug
store:
  driver: memory
dispatcher:
  buffer_size: 64
  max_attempts: 5
  base_wait: 500ms
  max_wait: 10s
engine:
  concurrency: 8
  stage_timeout: 2m
`)
	cfg, err := ParseYAML(data)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, 64, cfg.Dispatcher.BufferSize)

	policy, err := cfg.RetryPolicy()
	require.NoError(t, err)
	require.Equal(t, 5, policy.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, policy.BaseWait)
	require.Equal(t, 10*time.Second, policy.MaxWait)

	timeout, err := cfg.StageTimeout()
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, timeout)
}

func TestParseYAML_RejectsUnknownFields(t *testing.T) {
	_, err := ParseYAML([]byte("bogus_field: true\n"))
	require.Error(t, err)
}

func TestParseYAML_RejectsBadDuration(t *testing.T) {
	_, err := ParseYAML([]byte("dispatcher:\n  base_wait: soon\n"))
	require.Error(t, err)
}

func TestParseYAML_RejectsUnknownDriver(t *testing.T) {
	_, err := ParseYAML([]byte("store:\n  driver: postgres\n"))
	require.Error(t, err)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0644))

	cfg, err := ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Log.Level)

	_, err = ParseFile(filepath.Join(dir, "config.toml"))
	require.Error(t, err)
}

func TestParseJSON(t *testing.T) {
	cfg, err := ParseJSON([]byte(`{"engine": {"concurrency": 2}}`))
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Engine.Concurrency)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "sqlite", cfg.Store.Driver)

	policy, err := cfg.RetryPolicy()
	require.NoError(t, err)
	require.Equal(t, 3, policy.MaxAttempts)

	timeout, err := cfg.StageTimeout()
	require.NoError(t, err)
	require.Zero(t, timeout)
}
