package mq

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageQueue is the transport between job producers and grading workers.
// Implementations deliver at least once: a message is acknowledged only after
// its handler returned, so a crashed or stopped consumer gets it again.
type MessageQueue interface {
	Producer
	Consumer

	// Ping verifies the broker connection is alive
	Ping(ctx context.Context) error

	// Close stops consumers and releases the producer
	Close() error
}

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
	PublishBatch(ctx context.Context, topic string, messages []*Message) error
}

// Consumer registers handlers and drives consumption.
type Consumer interface {
	// SubscribeWithOptions registers handler for topic. Consumption begins on Start.
	SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	Start() error

	// Stop cancels consumption and waits for in-flight handlers to return.
	Stop() error
}

// Message represents a message in the queue
type Message struct {
	ID        string            `json:"id"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`

	// RetryCount counts handler failures for this delivery chain.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// HandlerFunc processes one message. A nil return acknowledges it.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions defines options for subscribing to a topic
type SubscribeOptions struct {
	// ConsumerGroup shares deliveries between worker processes.
	ConsumerGroup string

	// ConsumerName identifies this process inside the group (Redis streams).
	ConsumerName string

	// PrefetchCount is the number of messages buffered per worker.
	// Default: 1
	PrefetchCount int

	// Concurrency is the number of handler goroutines.
	// Default: 1
	Concurrency int

	// MaxRetries bounds in-place handler retries before dead-lettering.
	// Default: 3
	MaxRetries int

	// RetryDelay is the pause between in-place retries.
	// Default: 1 second
	RetryDelay time.Duration

	// DeadLetterTopic receives messages whose retries are exhausted.
	DeadLetterTopic string
}

// SetDefaults sets default values for subscribe options
func (o *SubscribeOptions) SetDefaults() {
	if o.PrefetchCount <= 0 {
		o.PrefetchCount = 1
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage creates a message with a fresh id.
func NewMessage(body []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now().UTC(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}
