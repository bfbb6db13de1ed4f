package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration in three layers: built-in defaults, an optional
// YAML file, then environment variable overrides. The result is validated
// before being returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Info("No config file found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			slog.Info("Loaded config file", "path", path)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides maps HIVEPLANE_* environment variables onto the config.
// Only knobs that operators commonly tune per-deployment are exposed.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Port, "HTTP_PORT")
	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.DefaultModel, "LLM_DEFAULT_MODEL")
	setString(&cfg.LLM.EmbeddingModel, "LLM_EMBEDDING_MODEL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setInt(&cfg.Bus.MaxConcurrency, "AGENT_MAX_CONCURRENCY")
	setInt(&cfg.Bus.QueueSize, "AGENT_QUEUE_SIZE")
	setSeconds(&cfg.Bus.TaskTimeout, "AGENT_TASK_TIMEOUT_SECONDS")

	setSeconds(&cfg.Approval.Timeout, "APPROVAL_TIMEOUT_SECONDS")
	setSeconds(&cfg.Approval.WarningBeforeTimeout, "APPROVAL_WARNING_BEFORE_TIMEOUT_SECONDS")
	setInt(&cfg.Approval.MaxRetries, "APPROVAL_MAX_RETRIES")

	setInt(&cfg.Context.MaxVectorsPerAgent, "CONTEXT_MAX_VECTORS_PER_AGENT")
	setInt(&cfg.Context.SearchLimit, "CONTEXT_SEARCH_LIMIT")

	setSeconds(&cfg.Stream.HeartbeatInterval, "STREAM_HEARTBEAT_INTERVAL_SECONDS")
	setInt(&cfg.Stream.MaxConnectionsPerUser, "STREAM_MAX_CONNECTIONS_PER_USER")
	setInt(&cfg.Stream.EventBufferSize, "STREAM_EVENT_BUFFER_SIZE")
	setSeconds(&cfg.Stream.EventTTL, "STREAM_EVENT_TTL_SECONDS")

	setInt(&cfg.Outbox.BatchSize, "OUTBOX_BATCH_SIZE")
	setInt(&cfg.Outbox.MaxRetries, "OUTBOX_MAX_RETRIES")
	setSeconds(&cfg.Outbox.InitialDelay, "OUTBOX_INITIAL_RETRY_DELAY_SECONDS")
	setSeconds(&cfg.Outbox.MaxDelay, "OUTBOX_MAX_RETRY_DELAY_SECONDS")
	setSeconds(&cfg.Outbox.PollInterval, "OUTBOX_POLL_INTERVAL_SECONDS")

	setInt(&cfg.Executor.MaxConcurrentTasks, "EXECUTOR_MAX_CONCURRENT_TASKS")
	setSeconds(&cfg.Executor.TaskTimeout, "EXECUTOR_TASK_TIMEOUT_SECONDS")

	setInt(&cfg.RateLimit.PerMinute, "RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.RateLimit.Burst, "RATE_LIMIT_BURST")

	setSeconds(&cfg.Retention.CleanupInterval, "RETENTION_CLEANUP_INTERVAL_SECONDS")
	setSeconds(&cfg.Retention.EventRetention, "RETENTION_EVENT_RETENTION_SECONDS")
	setSeconds(&cfg.Retention.ApprovalRetention, "RETENTION_APPROVAL_RETENTION_SECONDS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("Ignoring non-integer env override", "key", key, "value", v)
			return
		}
		*dst = n
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("Ignoring non-integer env override", "key", key, "value", v)
			return
		}
		*dst = time.Duration(n) * time.Second
	}
}
