package driven

import (
	"context"
)

// Delivery is one message handed to a consumer. Exactly one of Ack or Reject
// must be called.
type Delivery interface {
	// Queue is the queue the message was read from
	Queue() string

	// Body is the raw message payload
	Body() []byte

	// Attempt is the 1-based delivery attempt of this message
	Attempt() int

	// Ack removes the message from the queue
	Ack(ctx context.Context) error

	// Reject drops the message. With requeue it is redelivered later,
	// otherwise it is never redelivered.
	Reject(ctx context.Context, requeue bool) error
}

// DeliveryHandler processes a delivery. It may return before the message is
// settled; the broker keeps at most prefetch unsettled messages per queue.
type DeliveryHandler func(ctx context.Context, d Delivery)

// MessageBroker is a work-queue transport (Redis Streams or NATS JetStream).
type MessageBroker interface {
	// Connect establishes the connection. Safe to call again after a connection loss.
	Connect(ctx context.Context) error

	// DeclareQueue creates the queue and its consumer group if missing (idempotent)
	DeclareQueue(ctx context.Context, queue string) error

	// Consume delivers messages of queue to handler until ctx is cancelled (returns nil)
	// or the connection is lost (returns an error wrapping domain.ErrServiceUnavailable).
	Consume(ctx context.Context, queue string, prefetch int, handler DeliveryHandler) error

	// Publish appends a message to queue
	Publish(ctx context.Context, queue string, body []byte) error

	// Ping checks if the broker is reachable
	Ping(ctx context.Context) error

	// Close releases the connection
	Close() error
}
