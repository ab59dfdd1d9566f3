// Package messaging defines broker-neutral message types shared by the
// RabbitMQ ingestion path and the NATS notification path.
package messaging

import (
	"context"
	"time"
)

// Message is a message received from or sent to a broker.
type Message struct {
	// Subject is the routing key (RabbitMQ) or subject (NATS).
	Subject string

	// Data is the raw payload.
	Data []byte

	// MessageID and CorrelationID are optional producer-supplied attributes.
	MessageID     string
	CorrelationID string

	// ContentType defaults to application/json when publishing.
	ContentType string

	// Timestamp is the producer timestamp. Zero when the producer set none.
	Timestamp time.Time

	// Metadata carries optional headers.
	Metadata map[string]string
}

// HasTimestamp reports whether the producer supplied a timestamp.
func (m *Message) HasTimestamp() bool {
	return !m.Timestamp.IsZero()
}

// Delivery is a received message awaiting settlement.
type Delivery interface {
	Msg() *Message
	Ack() error
	Reject(requeue bool) error
}

// MessageHandler processes a received message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Publisher publishes messages.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
	Close() error
}
