package queue

import (
	"context"
	"encoding/json"
)

// Message is one received queue entry. Receipt is the adapter-opaque token
// needed to delete the message after it has been applied.
type Message struct {
	ID      string
	Body    json.RawMessage
	Receipt string
}

// DeadLetter wraps a message that could not be processed, preserved on the
// dead-letter queue for offline inspection. Body is kept as a string since
// the original payload may not be valid JSON.
type DeadLetter struct {
	Source    string `json:"source"`
	Reason    string `json:"reason"`
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
}

// Queue defines the interface for durable message queue operations. Delivery
// is at-least-once: a message stays on the queue until Delete is called, so
// a consumer crash between Receive and Delete causes safe re-delivery.
type Queue interface {
	// Publish sends a message to the named queue. body is JSON encoded.
	Publish(ctx context.Context, queueName string, body interface{}) error

	// Receive fetches up to max messages, long-polling per the configured
	// wait time. Returns an empty slice when nothing is available.
	Receive(ctx context.Context, queueName string, max int) ([]Message, error)

	// Delete removes a received message from the queue. Call only after the
	// message has been fully applied.
	Delete(ctx context.Context, queueName string, msg Message) error

	// Health reports whether the broker is reachable.
	Health(ctx context.Context) error

	// Close releases connections.
	Close() error
}
