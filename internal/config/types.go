package config

import (
	"time"
)

// Config holds all orchestrator configuration.
type Config struct {
	// Core settings
	Environment string
	ServiceName string
	LogLevel    string
	LogJSON     bool
	Version     string

	// Adapter selection
	Adapters AdapterConfig

	// Component configurations
	HTTP      HTTPConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Queue     QueueConfig
	Redis     RedisConfig
	Stages    StagesConfig
	Download  DownloadConfig
	RateLimit RateLimitConfig
	Batch     BatchConfig
	Cleanup   CleanupConfig
	Metrics   MetricsConfig
}

// AdapterConfig specifies which implementations to use.
type AdapterConfig struct {
	Queue string // "sqs", "rabbitmq"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// HTTPConfig holds defaults for outbound HTTP calls.
type HTTPConfig struct {
	Timeout   time.Duration
	UserAgent string
}

// StorageConfig holds object storage settings.
type StorageConfig struct {
	SourceBucket string // raw course uploads, read via signed URLs
	MediaBucket  string // pipeline working artifacts
	MaxRetries   int
	Timeout      time.Duration
	SignedURLTTL time.Duration

	S3 S3Config
}

// S3Config holds S3-specific configuration.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // for MinIO or S3-compatible services
	UsePathStyle    bool
}

// QueueConfig holds queue names and connection settings per adapter.
type QueueConfig struct {
	Callbacks  string // stage completion notifications
	Intake     string // new segment work requests
	DeadLetter string

	ReceiveMaxMessages int
	ReceiveWaitTime    time.Duration
	VisibilityTimeout  time.Duration

	RabbitMQ RabbitMQConfig
	SQS      SQSConfig
}

// RabbitMQConfig - minimal config.
type RabbitMQConfig struct {
	URL           string
	PrefetchCount int
}

// SQSConfig - minimal config.
type SQSConfig struct {
	Region string
}

// RedisConfig holds settings for the shared counter store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StageServiceConfig describes one remote compute service endpoint.
type StageServiceConfig struct {
	BaseURL string
	Timeout time.Duration
	Tries   int
	Backoff []time.Duration
}

// StagesConfig holds the per-stage service endpoints.
type StagesConfig struct {
	AudioExtraction StageServiceConfig
	Transcription   StageServiceConfig
	Terminology     StageServiceConfig
}

// DownloadConfig holds the download worker settings.
type DownloadConfig struct {
	Tries        int
	Backoff      []time.Duration
	MinValidSize int64 // bytes; artifacts at or below this are rejected
	SizeFallback int64 // bytes; size-only heuristic when no signature matches
}

// RateLimitConfig holds the distributed download limiter settings.
type RateLimitConfig struct {
	MaxConcurrent  int
	AcquireTimeout time.Duration
	CounterTTL     time.Duration
	KeyPrefix      string
}

// BatchConfig holds cohort coordination settings.
type BatchConfig struct {
	WorkerPoolSize   int
	FailureThreshold float64 // failed/total above this fails the cohort
}

// CleanupConfig holds the terminal-job purge settings.
type CleanupConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// MetricsConfig holds the Prometheus exposure settings.
type MetricsConfig struct {
	Addr string
}
