package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, validate(cfg))

	assert.Equal(t, 3, cfg.Bus.MaxConcurrency)
	assert.Equal(t, 100, cfg.Bus.QueueSize)
	assert.Equal(t, 300*time.Second, cfg.Approval.Timeout)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 5, cfg.Outbox.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Outbox.InitialDelay)
	assert.Equal(t, 300*time.Second, cfg.Outbox.MaxDelay)
	assert.Equal(t, 30*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, 100, cfg.Stream.EventBufferSize)
	assert.Equal(t, 3, cfg.Executor.MaxConcurrentTasks)
	assert.Equal(t, 100, cfg.RateLimit.PerMinute)
	assert.Equal(t, time.Hour, cfg.Retention.CleanupInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.EventRetention)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Bus.QueueSize, cfg.Bus.QueueSize)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hiveplane.yaml")
	data := []byte("outbox:\n  batch_size: 25\nbus:\n  agent_queue_size: 7\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Outbox.BatchSize)
	assert.Equal(t, 7, cfg.Bus.QueueSize)
	// Untouched sections keep defaults.
	assert.Equal(t, 5, cfg.Outbox.MaxRetries)
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hiveplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outbox:\n  batch_size: 25\n"), 0o600))

	t.Setenv("OUTBOX_BATCH_SIZE", "50")
	t.Setenv("OUTBOX_POLL_INTERVAL_SECONDS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Outbox.PollInterval)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "0")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateInvertedRetryDelays(t *testing.T) {
	cfg := Default()
	cfg.Outbox.InitialDelay = 10 * time.Minute
	cfg.Outbox.MaxDelay = time.Second
	assert.Error(t, validate(cfg))
}

func TestValidateUnknownFailurePolicy(t *testing.T) {
	cfg := Default()
	cfg.Executor.OnTaskFailure = "abort"
	assert.Error(t, validate(cfg))
}
