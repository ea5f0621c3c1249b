// Package bus provides message bus clients for agent-to-agent communication.
//
// The MessageBus interface enables pub/sub and request/reply patterns over
// various backends (NATS, websocket relay, in-memory). All implementations
// use channel-based APIs for Go-idiomatic concurrent use.
package bus

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrClosed       = errors.New("bus closed")
	ErrTimeout      = errors.New("request timeout")
	ErrNoResponders = errors.New("no responders")
	ErrInvalidTopic = errors.New("invalid topic")
)

// Message represents a message received from the bus.
type Message struct {
	// Topic the message was published to.
	Topic string

	// Data is the message payload.
	Data []byte

	// Reply is the reply topic for request/reply pattern.
	// Empty for regular pub/sub messages.
	Reply string
}

// MessageBus provides pub/sub and request/reply messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a topic.
	Publish(topic string, data []byte) error

	// Subscribe creates a subscription to a topic.
	// Topics may use NATS-style wildcards: "*" matches one token,
	// ">" matches the rest of the topic.
	Subscribe(topic string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Messages are load-balanced across queue members.
	QueueSubscribe(topic, queue string) (Subscription, error)

	// Request sends a request and waits for a single reply.
	// Returns ErrTimeout if no reply within timeout.
	Request(topic string, data []byte, timeout time.Duration) (*Message, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateTopic checks if a topic is valid.
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	for _, token := range strings.Split(topic, ".") {
		if token == "" {
			return ErrInvalidTopic
		}
	}
	return nil
}

// MatchTopic reports whether a concrete topic matches a subscription
// pattern. Patterns use NATS semantics: "*" matches exactly one token,
// ">" matches one or more trailing tokens.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	pt := strings.Split(pattern, ".")
	tt := strings.Split(topic, ".")

	for i, token := range pt {
		if token == ">" {
			return i < len(tt)
		}
		if i >= len(tt) {
			return false
		}
		if token != "*" && token != tt[i] {
			return false
		}
	}
	return len(pt) == len(tt)
}
