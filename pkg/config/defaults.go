package config

import "time"

// Default returns the built-in configuration. Load starts from this and
// applies YAML and environment overrides on top.
func Default() *Config {
	return &Config{
		Server: &ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Bus: &BusConfig{
			MaxConcurrency: 3,
			QueueSize:      100,
			SubmitTimeout:  5 * time.Second,
			TaskTimeout:    600 * time.Second,
		},
		Approval: &ApprovalConfig{
			Timeout:              300 * time.Second,
			WarningBeforeTimeout: 60 * time.Second,
			MaxRetries:           3,
		},
		Context: &ContextConfig{
			MaxVectorsPerAgent: 1_000_000,
			SearchLimit:        10,
			PruneThreshold:     0.9,
			EmbeddingDim:       768,
		},
		Stream: &StreamConfig{
			HeartbeatInterval:     30 * time.Second,
			MaxConnectionsPerUser: 1000,
			EventBufferSize:       100,
			EventTTL:              300 * time.Second,
			ConnectionTimeout:     5 * time.Minute,
			MaxPayloadBytes:       10 * 1024,
			ConnQueueSize:         64,
		},
		Outbox: &OutboxConfig{
			BatchSize:    100,
			MaxRetries:   5,
			InitialDelay: 5 * time.Second,
			MaxDelay:     300 * time.Second,
			PollInterval: 5 * time.Second,
		},
		Executor: &ExecutorConfig{
			MaxConcurrentTasks: 3,
			TaskTimeout:        300 * time.Second,
			OnTaskFailure:      "continue",
		},
		RateLimit: &RateLimitConfig{
			PerMinute: 100,
			Burst:     20,
		},
		Retention: &RetentionConfig{
			CleanupInterval:   1 * time.Hour,
			EventRetention:    7 * 24 * time.Hour,
			ApprovalRetention: 30 * 24 * time.Hour,
		},
		LLM: &LLMConfig{
			APIKeyEnv:      "LLM_API_KEY",
			DefaultModel:   "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		Redis: &RedisConfig{
			Addr: "localhost:6379",
		},
	}
}
