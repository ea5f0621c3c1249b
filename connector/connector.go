// Package connector manages an agent's connection to the message broker.
//
// It wraps a MessageBus with bounded connect retries, connection-state
// gating, per-topic handler registration that survives reconnects, and
// acknowledgement tracking for messages that ask for one. All failures
// surface as error returns; the connector never panics.
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentwire/agentwire/bus"
	"github.com/agentwire/agentwire/errors"
	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/wire"
)

// Defaults for connection and acknowledgement policy.
const (
	DefaultMaxConnectAttempts = 3
	DefaultBackoffBase        = 500 * time.Millisecond
	DefaultAckTimeout         = 10 * time.Second
	DefaultAckRetries         = 3
)

// ErrNotConnected is returned by operations that need a live broker
// connection while the connector is down.
var ErrNotConnected = fmt.Errorf("not connected to broker")

// Dialer establishes a broker connection. Called once per connect
// attempt; the connector owns the returned bus.
type Dialer func(ctx context.Context) (bus.MessageBus, error)

// Handler processes messages received on a subscribed topic.
type Handler func(msg *bus.Message)

// Config configures a Connector.
type Config struct {
	// AgentID identifies this agent on the wire.
	AgentID string

	// URL is the broker address, recorded for status and logs.
	URL string

	// MaxConnectAttempts bounds the connect retry loop.
	// Default: 3
	MaxConnectAttempts int

	// BackoffBase is the first retry delay; each subsequent attempt
	// doubles it. Default: 500ms
	BackoffBase time.Duration

	// AckTimeout is how long to wait for an acknowledgement before
	// resending. Default: 10s
	AckTimeout time.Duration

	// AckRetries bounds resends of an unacknowledged message.
	// Default: 3
	AckRetries int

	// OnConnect is called after a successful connect, with the
	// connector's lock released. Optional.
	OnConnect func()

	// OnDisconnect is called after the connection is torn down. Optional.
	OnDisconnect func()

	// OnAckFailed is called when a message exhausts its resends without
	// being acknowledged. Optional.
	OnAckFailed func(messageID string)

	// Logger for connection events. Nil means a default logger.
	Logger *logging.Logger
}

// pendingAck tracks one published envelope awaiting acknowledgement.
type pendingAck struct {
	envelope *wire.Envelope
	topic    string
	attempts int
	timer    *time.Timer
}

// Connector is an agent's managed broker connection.
type Connector struct {
	config Config
	dial   Dialer
	log    *logging.Logger

	mu        sync.Mutex
	bus       bus.MessageBus
	connected bool
	dialing   bool
	closed    bool

	// handlers is the desired subscription set, replayed on every
	// connect. Keyed by topic pattern.
	handlers map[string]Handler
	live     map[string]bus.Subscription
	pending  map[string]*pendingAck

	pumps sync.WaitGroup
}

// New creates a Connector. Connect must be called before publishing.
func New(cfg Config, dial Dialer) (*Connector, error) {
	if cfg.AgentID == "" {
		return nil, errors.InvalidInput("agent id is required")
	}
	if dial == nil {
		return nil, errors.InvalidInput("dialer is required")
	}

	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.AckRetries <= 0 {
		cfg.AckRetries = DefaultAckRetries
	}

	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	return &Connector{
		config:   cfg,
		dial:     dial,
		log:      log.WithComponent("connector"),
		handlers: make(map[string]Handler),
		live:     make(map[string]bus.Subscription),
		pending:  make(map[string]*pendingAck),
	}, nil
}

// Connect dials the broker with bounded retries and exponential backoff.
// Attempt n (zero-based) waits base*2^n before dialing; the first
// attempt is immediate. Returns the last dial error once the attempt
// budget is spent. Connecting an already-connected connector is a no-op.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Transport("connector is closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.dialing {
		c.mu.Unlock()
		return errors.Transport("connect already in progress")
	}
	c.dialing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
	}()

	var lastErr error
	for attempt := 0; attempt < c.config.MaxConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := c.config.BackoffBase * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "connect cancelled")
			case <-time.After(delay):
			}
		}

		b, err := c.dial(ctx)
		c.log.ConnectAttempt(c.config.URL, attempt+1, err)
		if err != nil {
			lastErr = err
			continue
		}

		if err := c.attach(b); err != nil {
			b.Close()
			lastErr = err
			continue
		}

		if c.config.OnConnect != nil {
			c.config.OnConnect()
		}
		return nil
	}

	return errors.Transport(
		fmt.Sprintf("connect failed after %d attempts", c.config.MaxConnectAttempts),
		errors.WithCause(lastErr),
	)
}

// attach installs the bus and replays the desired subscription set.
func (c *Connector) attach(b bus.MessageBus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Close may have raced the dial.
	if c.closed {
		return errors.Transport("connector is closed")
	}

	for topic, handler := range c.handlers {
		sub, err := b.Subscribe(topic)
		if err != nil {
			for _, s := range c.live {
				s.Unsubscribe()
			}
			c.live = make(map[string]bus.Subscription)
			return errors.Wrap(err, "resubscribe "+topic)
		}
		c.live[topic] = sub
		c.startPump(sub, handler)
	}

	c.bus = b
	c.connected = true
	return nil
}

// startPump drains a subscription into its handler.
func (c *Connector) startPump(sub bus.Subscription, handler Handler) {
	c.pumps.Add(1)
	go func() {
		defer c.pumps.Done()
		for msg := range sub.Messages() {
			c.invoke(handler, msg)
		}
	}()
}

// invoke runs a handler, containing any panic it raises.
func (c *Connector) invoke(handler Handler, msg *bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler_panic", map[string]interface{}{
				"topic": msg.Topic,
				"error": errors.RecoverPanic(r).Error(),
			})
		}
	}()
	handler(msg)
}

// Subscribe registers a handler for a topic pattern. The registration
// persists across reconnects; when connected, the live subscription is
// created immediately.
func (c *Connector) Subscribe(topic string, handler Handler) error {
	if err := busValidate(topic); err != nil {
		return err
	}
	if handler == nil {
		return errors.InvalidInput("nil handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.Transport("connector is closed")
	}
	if _, exists := c.handlers[topic]; exists {
		return errors.InvalidInput("already subscribed to " + topic)
	}

	c.handlers[topic] = handler

	if c.connected {
		sub, err := c.bus.Subscribe(topic)
		if err != nil {
			delete(c.handlers, topic)
			return errors.Wrap(err, "subscribe "+topic)
		}
		c.live[topic] = sub
		c.startPump(sub, handler)
	}

	return nil
}

// Unsubscribe removes a topic from the desired set and cancels any live
// subscription. Unknown topics are a no-op.
func (c *Connector) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.handlers, topic)
	if sub, ok := c.live[topic]; ok {
		delete(c.live, topic)
		return sub.Unsubscribe()
	}
	return nil
}

// Publish sends raw bytes to a topic. Fails with ErrNotConnected while
// the connection is down instead of queueing or panicking.
func (c *Connector) Publish(topic string, data []byte) error {
	c.mu.Lock()
	b, connected := c.bus, c.connected
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	return b.Publish(topic, data)
}

// PublishEnvelope marshals and publishes an envelope. Envelopes whose
// QoS requests an acknowledgement are tracked: if no ack arrives within
// the timeout the envelope is resent, up to the retry budget.
func (c *Connector) PublishEnvelope(topic string, env *wire.Envelope) error {
	if env == nil {
		return errors.InvalidInput("nil envelope")
	}
	data, err := env.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}

	if err := c.Publish(topic, data); err != nil {
		return err
	}

	if env.QoS.RequiresAck {
		c.trackAck(topic, env)
	}
	return nil
}

// trackAck registers a pending acknowledgement with a resend timer.
func (c *Connector) trackAck(topic string, env *wire.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	p := &pendingAck{envelope: env, topic: topic}
	p.timer = time.AfterFunc(c.config.AckTimeout, func() {
		c.resend(env.MessageID)
	})
	c.pending[env.MessageID] = p
}

// resend retries an unacknowledged envelope or gives up after the
// retry budget.
func (c *Connector) resend(messageID string) {
	c.mu.Lock()
	p, ok := c.pending[messageID]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}

	if p.attempts >= c.config.AckRetries {
		delete(c.pending, messageID)
		c.mu.Unlock()

		err := errors.AckMissing(messageID)
		c.log.Warn("ack_exhausted", map[string]interface{}{
			"message_id": messageID,
			"error":      err.Error(),
		})
		if c.config.OnAckFailed != nil {
			c.config.OnAckFailed(messageID)
		}
		return
	}

	p.attempts++
	attempts := p.attempts
	topic, env := p.topic, p.envelope
	b, connected := c.bus, c.connected
	p.timer.Reset(c.config.AckTimeout)
	c.mu.Unlock()

	c.log.Debug("ack_resend", map[string]interface{}{
		"message_id": messageID,
		"attempt":    attempts,
	})

	if !connected {
		return // Timer keeps running; resend again after reconnect.
	}
	if data, err := env.Marshal(); err == nil {
		b.Publish(topic, data)
	}
}

// ResolveAck settles a pending acknowledgement. Returns false for
// message ids that are not awaiting one.
func (c *Connector) ResolveAck(targetMessageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[targetMessageID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(c.pending, targetMessageID)
	return true
}

// Request sends a request over the bus and waits for a single reply.
func (c *Connector) Request(topic string, data []byte, timeout time.Duration) (*bus.Message, error) {
	c.mu.Lock()
	b, connected := c.bus, c.connected
	c.mu.Unlock()

	if !connected {
		return nil, ErrNotConnected
	}
	return b.Request(topic, data, timeout)
}

// Connected reports the current connection state.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Status is a point-in-time snapshot of the connector.
type Status struct {
	AgentID       string   `json:"agent_id"`
	URL           string   `json:"url"`
	Connected     bool     `json:"connected"`
	Subscriptions []string `json:"subscriptions"`
	PendingAcks   int      `json:"pending_acks"`
}

// Status returns a snapshot of connection state, desired subscriptions
// and outstanding acknowledgements.
func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}

	return Status{
		AgentID:       c.config.AgentID,
		URL:           c.config.URL,
		Connected:     c.connected,
		Subscriptions: topics,
		PendingAcks:   len(c.pending),
	}
}

// Disconnect tears down the broker connection but keeps the desired
// subscription set for a later Connect. Idempotent.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}

	c.connected = false
	b := c.bus
	c.bus = nil

	for _, sub := range c.live {
		sub.Unsubscribe()
	}
	c.live = make(map[string]bus.Subscription)
	c.mu.Unlock()

	err := b.Close()
	c.pumps.Wait()
	c.log.Disconnected(c.config.URL)

	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect()
	}
	return err
}

// Close disconnects and releases ack timers. The connector cannot be
// reused after Close. Idempotent.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()

	return c.Disconnect()
}

// busValidate wraps topic validation in the connector's error type.
func busValidate(topic string) error {
	if err := bus.ValidateTopic(topic); err != nil {
		return errors.InvalidInput("invalid topic: " + topic)
	}
	return nil
}
