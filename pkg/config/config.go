// Package config loads and validates the hiveplane configuration from an
// optional YAML file plus environment overrides.
package config

import "time"

// Config is the umbrella configuration object returned by Load and threaded
// through the application.
type Config struct {
	Server    *ServerConfig    `yaml:"server"`
	Bus       *BusConfig       `yaml:"bus"`
	Approval  *ApprovalConfig  `yaml:"approval"`
	Context   *ContextConfig   `yaml:"context"`
	Stream    *StreamConfig    `yaml:"stream"`
	Outbox    *OutboxConfig    `yaml:"outbox"`
	Executor  *ExecutorConfig  `yaml:"executor"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
	Retention *RetentionConfig `yaml:"retention"`
	LLM       *LLMConfig       `yaml:"llm"`
	Redis     *RedisConfig     `yaml:"redis"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BusConfig controls the per-agent task bus.
type BusConfig struct {
	// MaxConcurrency is the default per-agent in-flight cap.
	MaxConcurrency int `yaml:"agent_max_concurrency"`
	// QueueSize bounds each agent's submission queue.
	QueueSize int `yaml:"agent_queue_size"`
	// SubmitTimeout bounds how long Submit blocks on a full queue.
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	// TaskTimeout is the per-task handler deadline.
	TaskTimeout time.Duration `yaml:"agent_task_timeout"`
}

// ApprovalConfig controls the approval gate.
type ApprovalConfig struct {
	Timeout              time.Duration `yaml:"approval_timeout"`
	WarningBeforeTimeout time.Duration `yaml:"approval_warning_before_timeout"`
	MaxRetries           int           `yaml:"approval_max_retries"`
}

// ContextConfig controls the per-agent vector context store.
type ContextConfig struct {
	MaxVectorsPerAgent int     `yaml:"context_max_vectors_per_agent"`
	SearchLimit        int     `yaml:"context_search_limit"`
	PruneThreshold     float64 `yaml:"context_prune_threshold"`
	EmbeddingDim       int     `yaml:"embedding_dim"`
}

// StreamConfig controls the streaming broker.
type StreamConfig struct {
	HeartbeatInterval     time.Duration `yaml:"stream_heartbeat_interval"`
	MaxConnectionsPerUser int           `yaml:"stream_max_connections_per_user"`
	EventBufferSize       int           `yaml:"stream_event_buffer_size"`
	EventTTL              time.Duration `yaml:"stream_event_ttl"`
	ConnectionTimeout     time.Duration `yaml:"stream_connection_timeout"`
	MaxPayloadBytes       int           `yaml:"stream_max_payload_bytes"`
	ConnQueueSize         int           `yaml:"stream_conn_queue_size"`
}

// OutboxConfig controls the transactional outbox publisher.
type OutboxConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_retry_delay"`
	MaxDelay     time.Duration `yaml:"max_retry_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ExecutorConfig controls the plan executor.
type ExecutorConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	// OnTaskFailure is the mid-plan failure policy. Only "continue" is
	// implemented; the knob exists so upstream callers can evolve it.
	OnTaskFailure string `yaml:"on_task_failure"`
}

// RateLimitConfig controls the per-owner request limiter.
type RateLimitConfig struct {
	PerMinute int `yaml:"rate_limit_per_minute"`
	Burst     int `yaml:"rate_limit_burst"`
}

// RetentionConfig controls the background retention sweeper.
type RetentionConfig struct {
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	EventRetention    time.Duration `yaml:"event_retention"`
	ApprovalRetention time.Duration `yaml:"approval_retention"`
}

// LLMConfig holds LLM endpoint settings. The endpoint must be
// OpenAI-compatible (chat completions + embeddings).
type LLMConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKeyEnv      string `yaml:"api_key_env"`
	DefaultModel   string `yaml:"default_model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// RedisConfig holds cache connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}
