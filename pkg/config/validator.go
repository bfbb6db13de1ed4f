package config

import (
	"errors"
	"fmt"
)

// validate rejects configurations that would wedge the runtime (zero-size
// queues, non-positive intervals, inverted retry delays).
func validate(cfg *Config) error {
	var errs []error

	if cfg.Bus.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("bus: agent_max_concurrency must be >= 1, got %d", cfg.Bus.MaxConcurrency))
	}
	if cfg.Bus.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("bus: agent_queue_size must be >= 1, got %d", cfg.Bus.QueueSize))
	}
	if cfg.Bus.SubmitTimeout <= 0 {
		errs = append(errs, errors.New("bus: submit_timeout must be positive"))
	}
	if cfg.Bus.TaskTimeout <= 0 {
		errs = append(errs, errors.New("bus: agent_task_timeout must be positive"))
	}

	if cfg.Approval.Timeout <= 0 {
		errs = append(errs, errors.New("approval: approval_timeout must be positive"))
	}
	if cfg.Approval.WarningBeforeTimeout < 0 {
		errs = append(errs, errors.New("approval: approval_warning_before_timeout must not be negative"))
	}

	if cfg.Outbox.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("outbox: batch_size must be >= 1, got %d", cfg.Outbox.BatchSize))
	}
	if cfg.Outbox.MaxRetries < 0 {
		errs = append(errs, errors.New("outbox: max_retries must not be negative"))
	}
	if cfg.Outbox.InitialDelay <= 0 || cfg.Outbox.MaxDelay <= 0 {
		errs = append(errs, errors.New("outbox: retry delays must be positive"))
	}
	if cfg.Outbox.MaxDelay < cfg.Outbox.InitialDelay {
		errs = append(errs, errors.New("outbox: max_retry_delay must be >= initial_retry_delay"))
	}
	if cfg.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("outbox: poll_interval must be positive"))
	}

	if cfg.Stream.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("stream: stream_heartbeat_interval must be positive"))
	}
	if cfg.Stream.EventBufferSize < 1 {
		errs = append(errs, errors.New("stream: stream_event_buffer_size must be >= 1"))
	}
	if cfg.Stream.EventTTL <= 0 {
		errs = append(errs, errors.New("stream: stream_event_ttl must be positive"))
	}
	if cfg.Stream.MaxPayloadBytes < 1 {
		errs = append(errs, errors.New("stream: stream_max_payload_bytes must be >= 1"))
	}

	if cfg.Executor.MaxConcurrentTasks < 1 {
		errs = append(errs, errors.New("executor: max_concurrent_tasks must be >= 1"))
	}
	if cfg.Executor.TaskTimeout <= 0 {
		errs = append(errs, errors.New("executor: task_timeout must be positive"))
	}
	if cfg.Executor.OnTaskFailure != "continue" {
		errs = append(errs, fmt.Errorf("executor: unsupported on_task_failure policy %q", cfg.Executor.OnTaskFailure))
	}

	if cfg.Context.EmbeddingDim < 1 {
		errs = append(errs, errors.New("context: embedding_dim must be >= 1"))
	}
	if cfg.Context.SearchLimit < 1 {
		errs = append(errs, errors.New("context: context_search_limit must be >= 1"))
	}

	if cfg.RateLimit.PerMinute < 1 || cfg.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit: rate_limit_per_minute and rate_limit_burst must be >= 1"))
	}

	if cfg.Retention.CleanupInterval <= 0 {
		errs = append(errs, errors.New("retention: cleanup_interval must be positive"))
	}
	if cfg.Retention.EventRetention <= 0 || cfg.Retention.ApprovalRetention <= 0 {
		errs = append(errs, errors.New("retention: retention windows must be positive"))
	}

	return errors.Join(errs...)
}
