package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
)

type rabbitMQQueue struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	cfg     *config.QueueConfig
	logger  observability.Logger
	metrics observability.Metrics

	mu       sync.Mutex
	declared map[string]bool
}

// NewRabbitMQ creates a RabbitMQ-backed queue.
func NewRabbitMQ(cfg *config.QueueConfig, logger observability.Logger, metrics observability.Metrics) (Queue, error) {
	conn, err := amqp091.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		logger.Error("failed to create channel", "error", err)
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if cfg.RabbitMQ.PrefetchCount > 0 {
		if err := channel.Qos(cfg.RabbitMQ.PrefetchCount, 0, false); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	logger.Info("RabbitMQ queue initialized")

	return &rabbitMQQueue{
		conn:     conn,
		channel:  channel,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		declared: make(map[string]bool),
	}, nil
}

// declare is idempotent; RabbitMQ creates the queue if it doesn't exist.
func (q *rabbitMQQueue) declare(queueName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.declared[queueName] {
		return nil
	}

	_, err := q.channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // auto-delete
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	q.declared[queueName] = true
	return nil
}

func (q *rabbitMQQueue) Publish(ctx context.Context, queueName string, body interface{}) error {
	startTime := time.Now()
	defer func() {
		q.metrics.RecordDuration("queue_publish", time.Since(startTime).Seconds())
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		q.logger.Error("failed to marshal message", "error", err)
		q.metrics.RecordError("queue_publish", "marshal_failed")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := q.declare(queueName); err != nil {
		q.logger.Error("failed to declare queue", "error", err, "queue", queueName)
		return err
	}

	err = q.channel.PublishWithContext(
		ctx,
		"",        // exchange (empty for direct queue)
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp091.Publishing{
			DeliveryMode: amqp091.Persistent,
			ContentType:  "application/json",
			Body:         payload,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		q.logger.Error("failed to publish message", "error", err, "queue", queueName)
		q.metrics.RecordError("queue_publish", "publish_failed")
		return fmt.Errorf("failed to publish message: %w", err)
	}

	q.metrics.RecordSuccess("queue_publish")
	return nil
}

// Receive polls the queue until max messages are collected or the configured
// wait time elapses. RabbitMQ has no server-side long poll for basic.get, so
// the wait is emulated client-side.
func (q *rabbitMQQueue) Receive(ctx context.Context, queueName string, max int) ([]Message, error) {
	if err := q.declare(queueName); err != nil {
		return nil, err
	}

	if max <= 0 {
		max = 10
	}

	deadline := time.Now().Add(q.cfg.ReceiveWaitTime)
	var messages []Message

	for len(messages) < max {
		delivery, ok, err := q.channel.Get(queueName, false)
		if err != nil {
			q.logger.Error("failed to get message", "error", err, "queue", queueName)
			q.metrics.RecordError("queue_receive", "receive_failed")
			return nil, fmt.Errorf("failed to get message: %w", err)
		}

		if ok {
			messages = append(messages, Message{
				ID:      delivery.MessageId,
				Body:    json.RawMessage(delivery.Body),
				Receipt: strconv.FormatUint(delivery.DeliveryTag, 10),
			})
			continue
		}

		if len(messages) > 0 || time.Now().After(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return messages, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	return messages, nil
}

func (q *rabbitMQQueue) Delete(ctx context.Context, queueName string, msg Message) error {
	tag, err := strconv.ParseUint(msg.Receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delivery tag %q: %w", msg.Receipt, err)
	}

	if err := q.channel.Ack(tag, false); err != nil {
		q.logger.Error("failed to ack message", "error", err, "queue", queueName, "id", msg.ID)
		q.metrics.RecordError("queue_delete", "ack_failed")
		return fmt.Errorf("failed to ack message: %w", err)
	}

	return nil
}

func (q *rabbitMQQueue) Health(ctx context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}

func (q *rabbitMQQueue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
