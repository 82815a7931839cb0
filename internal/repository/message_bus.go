package repository

import "context"

// Delivery is one message handed to a consumer.
type Delivery struct {
	ID       string
	Topic    string
	Body     []byte
	Attempts int64 // 1 on first delivery
}

// Publisher appends JSON-encoded messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Subscriber reads a topic within a consumer group with at-least-once
// semantics: a delivery that is not acked is handed out again after it has
// been idle long enough.
type Subscriber interface {
	// Fetch returns up to count deliveries, blocking briefly when none are ready.
	Fetch(ctx context.Context, topic string, count int) ([]Delivery, error)
	// Ack marks a delivery as processed.
	Ack(ctx context.Context, topic, id string) error
	// DeadLetter parks a delivery on the topic's dead-letter stream and acks it.
	DeadLetter(ctx context.Context, d Delivery, reason string) error
}

// MessageBus is both ends of the pipeline transport.
type MessageBus interface {
	Publisher
	Subscriber
}
