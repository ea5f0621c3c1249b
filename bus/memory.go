package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing, single-process deployments, and as the internal
// dispatch bus behind the message bridge.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        map[string][]*memorySub            // pattern -> subs
	queueGroups map[string]map[string][]*memorySub // pattern -> queue -> subs
	closed      atomic.Bool

	// For request/reply
	replyMu   sync.Mutex
	replySubs map[string]chan *Message
	replySeq  uint64
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		subs:        make(map[string][]*memorySub),
		queueGroups: make(map[string]map[string][]*memorySub),
		replySubs:   make(map[string]chan *Message),
	}
}

// Publish sends a message to all subscribers whose pattern matches.
func (b *MemoryBus) Publish(topic string, data []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Topic: topic,
		Data:  data,
	}

	b.deliverToSubscribers(topic, msg)
	b.deliverToQueueGroups(topic, msg)
	b.deliverToReply(topic, msg)

	return nil
}

// deliverToSubscribers sends to all regular subscribers with a matching pattern.
func (b *MemoryBus) deliverToSubscribers(topic string, msg *Message) {
	b.mu.RLock()
	var matched []*memorySub
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

// deliverToQueueGroups sends to one subscriber per matching queue group.
func (b *MemoryBus) deliverToQueueGroups(topic string, msg *Message) {
	b.mu.RLock()
	var groups [][]*memorySub
	for pattern, queues := range b.queueGroups {
		if MatchTopic(pattern, topic) {
			for _, qsubs := range queues {
				groups = append(groups, qsubs)
			}
		}
	}
	b.mu.RUnlock()

	for _, qsubs := range groups {
		b.deliverToOneInQueue(qsubs, msg)
	}
}

// deliverToOneInQueue picks one subscriber from the queue.
func (b *MemoryBus) deliverToOneInQueue(subs []*memorySub, msg *Message) {
	// Try each until one accepts
	for _, sub := range subs {
		if !sub.closed.Load() {
			select {
			case sub.ch <- msg:
				return
			default:
				continue
			}
		}
	}
}

// deliverToReply handles reply topics for request/reply.
func (b *MemoryBus) deliverToReply(topic string, msg *Message) {
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
}

// Subscribe creates a subscription to a topic pattern.
func (b *MemoryBus) Subscribe(topic string) (Subscription, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: topic,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(topic, queue string) (Subscription, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidTopic
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: topic,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	if b.queueGroups[topic] == nil {
		b.queueGroups[topic] = make(map[string][]*memorySub)
	}
	b.queueGroups[topic][queue] = append(b.queueGroups[topic][queue], sub)
	b.mu.Unlock()

	return sub, nil
}

// Request sends a request and waits for reply.
func (b *MemoryBus) Request(topic string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	// Create unique reply topic
	replyTopic := b.createReplyTopic()
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replyTopic] = replyCh
	b.replyMu.Unlock()

	// Publish request with reply topic
	msg := &Message{
		Topic: topic,
		Data:  data,
		Reply: replyTopic,
	}

	b.deliverToSubscribers(topic, msg)
	b.deliverToQueueGroups(topic, msg)

	// Wait for reply
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		b.replyMu.Lock()
		delete(b.replySubs, replyTopic)
		b.replyMu.Unlock()
		return nil, ErrTimeout
	}
}

// createReplyTopic generates a unique reply topic.
func (b *MemoryBus) createReplyTopic() string {
	seq := atomic.AddUint64(&b.replySeq, 1)
	return fmt.Sprintf("_INBOX.%d", seq)
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Close all subscriptions
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closed.Store(true)
			close(sub.ch)
		}
	}

	for _, queues := range b.queueGroups {
		for _, subs := range queues {
			for _, sub := range subs {
				sub.closed.Store(true)
				close(sub.ch)
			}
		}
	}

	b.subs = nil
	b.queueGroups = nil

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.queue == "" {
		s.bus.removeSub(s.pattern, s)
	} else {
		s.bus.removeQueueSub(s.pattern, s.queue, s)
	}

	close(s.ch)
	return nil
}

// removeSub removes a regular subscription.
func (b *MemoryBus) removeSub(pattern string, target *memorySub) {
	subs := b.subs[pattern]
	for i, sub := range subs {
		if sub == target {
			b.subs[pattern] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// removeQueueSub removes a queue subscription.
func (b *MemoryBus) removeQueueSub(pattern, queue string, target *memorySub) {
	if b.queueGroups[pattern] == nil {
		return
	}
	subs := b.queueGroups[pattern][queue]
	for i, sub := range subs {
		if sub == target {
			b.queueGroups[pattern][queue] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
