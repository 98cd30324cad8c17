package config

import (
	"fmt"
)

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME is required")
	}

	switch c.Adapters.Queue {
	case "sqs", "rabbitmq":
	default:
		return fmt.Errorf("unsupported queue adapter: %s", c.Adapters.Queue)
	}

	if c.Storage.SourceBucket == "" || c.Storage.MediaBucket == "" {
		return fmt.Errorf("storage buckets must be configured")
	}

	if c.RateLimit.MaxConcurrent <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_CONCURRENT must be positive, got %d", c.RateLimit.MaxConcurrent)
	}

	if c.Batch.FailureThreshold <= 0 || c.Batch.FailureThreshold >= 1 {
		return fmt.Errorf("BATCH_FAILURE_THRESHOLD must be in (0, 1), got %v", c.Batch.FailureThreshold)
	}

	for name, svc := range map[string]StageServiceConfig{
		"audio extraction": c.Stages.AudioExtraction,
		"transcription":    c.Stages.Transcription,
		"terminology":      c.Stages.Terminology,
	} {
		if svc.BaseURL == "" {
			return fmt.Errorf("%s service URL is required", name)
		}
		if svc.Tries <= 0 {
			return fmt.Errorf("%s service tries must be positive", name)
		}
	}

	if c.Download.Tries <= 0 {
		return fmt.Errorf("DOWNLOAD_TRIES must be positive, got %d", c.Download.Tries)
	}

	return nil
}
