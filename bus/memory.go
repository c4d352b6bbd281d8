package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus used by tests and single-process deployments
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	queueSize   int
	closed      bool
}

// NewMemoryBus creates an in-process bus. queueSize bounds each subscription buffer.
func NewMemoryBus(queueSize int) *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string]*Subscription),
		queueSize:   queueSize,
	}
}

// Publish distributes payload to every subscriber of topic
func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	if !ValidTopic(topic) {
		return ErrUnknownTopic
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for _, sub := range b.subscribers {
		for _, t := range sub.topics {
			if t == topic {
				// Each subscriber gets its own copy so handlers may keep the slice
				p := make([]byte, len(payload))
				copy(p, payload)
				sub.deliver(Message{Topic: topic, Payload: p})
				break
			}
		}
	}
	return nil
}

// Subscribe registers a new subscriber for topics
func (b *MemoryBus) Subscribe(_ context.Context, topics ...string) (*Subscription, error) {
	if err := checkTopics(topics); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := newSubscription(uuid.NewString(), topics, b.queueSize)
	sub.closeFn = func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, sub.id)
		return nil
	}
	b.subscribers[sub.id] = sub
	return sub, nil
}

// SubscriberCount returns the number of live subscriptions
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the bus. Existing subscriptions keep their buffered messages.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subscribers {
		sub.closed.Store(true)
	}
	b.subscribers = nil
	return nil
}
