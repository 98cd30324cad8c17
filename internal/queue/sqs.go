// Package queue provides durable queue adapters behind the Queue port. SQS
// is the production adapter; RabbitMQ serves local development.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
)

type sqsQueue struct {
	client  *sqs.Client
	cfg     *config.QueueConfig
	logger  observability.Logger
	metrics observability.Metrics

	// cache queue URLs to avoid repeated lookups; shared across the
	// reconciler, intake and cohort worker goroutines.
	mu        sync.Mutex
	queueURLs map[string]string
}

// NewSQS creates an SQS-backed queue.
func NewSQS(cfg *config.QueueConfig, logger observability.Logger, metrics observability.Metrics) (Queue, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.SQS.Region),
	)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("SQS queue initialized", "region", cfg.SQS.Region)

	return &sqsQueue{
		client:    sqs.NewFromConfig(awsCfg),
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		queueURLs: make(map[string]string),
	}, nil
}

func (q *sqsQueue) getQueueURL(ctx context.Context, queueName string) (string, error) {
	q.mu.Lock()
	url, ok := q.queueURLs[queueName]
	q.mu.Unlock()
	if ok {
		return url, nil
	}

	result, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get queue URL for %s: %w", queueName, err)
	}

	q.mu.Lock()
	q.queueURLs[queueName] = *result.QueueUrl
	q.mu.Unlock()
	return *result.QueueUrl, nil
}

func (q *sqsQueue) Publish(ctx context.Context, queueName string, body interface{}) error {
	startTime := time.Now()
	defer func() {
		q.metrics.RecordDuration("queue_publish", time.Since(startTime).Seconds())
	}()

	queueURL, err := q.getQueueURL(ctx, queueName)
	if err != nil {
		q.logger.Error("failed to get queue URL", "error", err, "queue", queueName)
		q.metrics.RecordError("queue_publish", "queue_url_failed")
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		q.logger.Error("failed to marshal message", "error", err)
		q.metrics.RecordError("queue_publish", "marshal_failed")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		q.logger.Error("failed to send message", "error", err, "queue", queueName)
		q.metrics.RecordError("queue_publish", "send_failed")
		return fmt.Errorf("failed to send message: %w", err)
	}

	q.metrics.RecordSuccess("queue_publish")
	return nil
}

func (q *sqsQueue) Receive(ctx context.Context, queueName string, max int) ([]Message, error) {
	queueURL, err := q.getQueueURL(ctx, queueName)
	if err != nil {
		return nil, err
	}

	if max <= 0 || max > 10 {
		max = 10 // SQS batch ceiling
	}

	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(q.cfg.ReceiveWaitTime.Seconds()),
		VisibilityTimeout:   int32(q.cfg.VisibilityTimeout.Seconds()),
	})
	if err != nil {
		q.logger.Error("failed to receive messages", "error", err, "queue", queueName)
		q.metrics.RecordError("queue_receive", "receive_failed")
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	messages := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		messages = append(messages, Message{
			ID:      aws.ToString(m.MessageId),
			Body:    json.RawMessage(aws.ToString(m.Body)),
			Receipt: aws.ToString(m.ReceiptHandle),
		})
	}

	return messages, nil
}

func (q *sqsQueue) Delete(ctx context.Context, queueName string, msg Message) error {
	queueURL, err := q.getQueueURL(ctx, queueName)
	if err != nil {
		return err
	}

	_, err = q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		q.logger.Error("failed to delete message", "error", err, "queue", queueName, "id", msg.ID)
		q.metrics.RecordError("queue_delete", "delete_failed")
		return fmt.Errorf("failed to delete message: %w", err)
	}

	return nil
}

// Health resolves the callback queue URL as a reachability probe.
func (q *sqsQueue) Health(ctx context.Context) error {
	if _, err := q.getQueueURL(ctx, q.cfg.Callbacks); err != nil {
		return fmt.Errorf("sqs unreachable: %w", err)
	}
	return nil
}

func (q *sqsQueue) Close() error {
	return nil
}
