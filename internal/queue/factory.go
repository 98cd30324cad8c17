package queue

import (
	"fmt"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
)

// New selects the queue adapter configured under ADAPTER_QUEUE.
func New(cfg *config.Config, logger observability.Logger, metrics observability.Metrics) (Queue, error) {
	switch cfg.Adapters.Queue {
	case "sqs":
		logger.Info("creating SQS queue adapter", "region", cfg.Queue.SQS.Region)
		return NewSQS(&cfg.Queue, logger, metrics)

	case "rabbitmq":
		logger.Info("creating RabbitMQ queue adapter", "url", cfg.Queue.RabbitMQ.URL)
		return NewRabbitMQ(&cfg.Queue, logger, metrics)

	default:
		return nil, fmt.Errorf("unsupported queue adapter: %s", cfg.Adapters.Queue)
	}
}
