package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Relay frame operations.
const (
	wsOpSubscribe   = "sub"
	wsOpUnsubscribe = "unsub"
	wsOpPublish     = "pub"
	wsOpMessage     = "msg"
)

// wsFrame is the JSON frame exchanged with a websocket relay.
type wsFrame struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
	Queue string `json:"queue,omitempty"`
	Reply string `json:"reply,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

// WebSocketBus implements MessageBus against a websocket relay server.
// It is the fallback transport for deployments without a NATS broker:
// the relay fans published frames back out to matching subscribers.
type WebSocketBus struct {
	conn   *websocket.Conn
	config WebSocketConfig

	mu     sync.RWMutex
	subs   map[string][]*wsSub // pattern -> subs
	closed atomic.Bool
	done   chan struct{}

	writeMu sync.Mutex

	replyMu   sync.Mutex
	replySubs map[string]chan *Message
	replySeq  uint64
}

type wsSub struct {
	pattern string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *WebSocketBus
}

// WebSocketConfig holds websocket relay configuration.
type WebSocketConfig struct {
	Config // Embed base config

	// URL is the relay endpoint (e.g., "ws://localhost:8080/relay").
	URL string

	// HandshakeTimeout for the initial dial.
	HandshakeTimeout time.Duration

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming frame size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:           DefaultConfig(),
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   1024 * 1024, // 1MB
		PingInterval:     30 * time.Second,
	}
}

// NewWebSocketBus dials the relay and starts the read/write pumps.
func NewWebSocketBus(cfg WebSocketConfig) (*WebSocketBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket relay URL not set")
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return newWebSocketBus(conn, cfg), nil
}

// NewWebSocketBusFromConn wraps an existing relay connection.
// Useful for tests that drive both ends of a pipe.
func NewWebSocketBusFromConn(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return newWebSocketBus(conn, cfg)
}

func newWebSocketBus(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketBus {
	conn.SetReadLimit(cfg.MaxMessageSize)

	b := &WebSocketBus{
		conn:      conn,
		config:    cfg,
		subs:      make(map[string][]*wsSub),
		replySubs: make(map[string]chan *Message),
		done:      make(chan struct{}),
	}

	go b.readLoop()
	if cfg.PingInterval > 0 {
		go b.pingLoop()
	}

	return b
}

// readLoop pulls frames off the connection and dispatches them.
func (b *WebSocketBus) readLoop() {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			b.Close()
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue // Malformed frame, skip
		}
		if frame.Op != wsOpMessage {
			continue
		}

		msg := &Message{
			Topic: frame.Topic,
			Data:  frame.Data,
			Reply: frame.Reply,
		}

		if b.deliverToReply(frame.Topic, msg) {
			continue
		}
		b.deliverToSubscribers(frame.Topic, msg)
	}
}

// pingLoop sends keepalive pings until the bus closes.
func (b *WebSocketBus) pingLoop() {
	ticker := time.NewTicker(b.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.writeMu.Lock()
			b.conn.WriteControl(
				websocket.PingMessage,
				nil,
				time.Now().Add(b.config.WriteTimeout),
			)
			b.writeMu.Unlock()
		}
	}
}

func (b *WebSocketBus) deliverToSubscribers(topic string, msg *Message) {
	b.mu.RLock()
	var matched []*wsSub
	for pattern, subs := range b.subs {
		if MatchTopic(pattern, topic) {
			matched = append(matched, subs...)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		if !sub.closed.Load() {
			select {
			case sub.ch <- msg:
			default:
				// Buffer full, drop message
			}
		}
	}
}

func (b *WebSocketBus) deliverToReply(topic string, msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[topic]
	if ok {
		delete(b.replySubs, topic)
	}
	b.replyMu.Unlock()

	if ok {
		select {
		case ch <- msg:
		default:
		}
		close(ch)
	}
	return ok
}

// writeFrame serializes and sends one frame under the write lock.
func (b *WebSocketBus) writeFrame(frame wsFrame) error {
	if b.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.conn.SetWriteDeadline(time.Now().Add(b.config.WriteTimeout))
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Publish sends a message to the relay.
func (b *WebSocketBus) Publish(topic string, data []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	return b.writeFrame(wsFrame{Op: wsOpPublish, Topic: topic, Data: data})
}

// Subscribe registers a topic pattern with the relay.
func (b *WebSocketBus) Subscribe(topic string) (Subscription, error) {
	return b.subscribe(topic, "")
}

// QueueSubscribe registers a queue subscription with the relay.
func (b *WebSocketBus) QueueSubscribe(topic, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidTopic
	}
	return b.subscribe(topic, queue)
}

func (b *WebSocketBus) subscribe(topic, queue string) (Subscription, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	if err := b.writeFrame(wsFrame{Op: wsOpSubscribe, Topic: topic, Queue: queue}); err != nil {
		return nil, err
	}

	sub := &wsSub{
		pattern: topic,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return sub, nil
}

// Request sends a request and waits for a single reply.
func (b *WebSocketBus) Request(topic string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replyTopic := fmt.Sprintf("_INBOX.%d", atomic.AddUint64(&b.replySeq, 1))
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replyTopic] = replyCh
	b.replyMu.Unlock()

	if err := b.writeFrame(wsFrame{Op: wsOpSubscribe, Topic: replyTopic}); err != nil {
		return nil, err
	}
	if err := b.writeFrame(wsFrame{Op: wsOpPublish, Topic: topic, Reply: replyTopic, Data: data}); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		b.replyMu.Lock()
		delete(b.replySubs, replyTopic)
		b.replyMu.Unlock()
		return nil, ErrTimeout
	case <-b.done:
		return nil, ErrClosed
	}
}

// Close shuts down the relay connection.
func (b *WebSocketBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.done)

	b.mu.Lock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closed.Store(true)
			close(sub.ch)
		}
	}
	b.subs = nil
	b.mu.Unlock()

	b.writeMu.Lock()
	b.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	b.writeMu.Unlock()

	return b.conn.Close()
}

// Messages returns the message channel.
func (s *wsSub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *wsSub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.bus.writeFrame(wsFrame{Op: wsOpUnsubscribe, Topic: s.pattern, Queue: s.queue})

	s.bus.mu.Lock()
	subs := s.bus.subs[s.pattern]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.pattern] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	close(s.ch)
	return nil
}
