package bus

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"open-mer/cache"
)

// RedisBus carries frames over Redis pub/sub, one Redis channel per topic
type RedisBus struct {
	client  *cache.RedisClient
	channel func(topic string) string

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewRedisBus creates a bus on an existing Redis client. channel maps a topic
// to its Redis channel name.
func NewRedisBus(client *cache.RedisClient, channel func(topic string) string) *RedisBus {
	if channel == nil {
		channel = func(topic string) string { return topic }
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		subs:    make(map[string]*Subscription),
	}
}

// Publish sends the "topic payload" frame on the topic's channel
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if !ValidTopic(topic) {
		return ErrUnknownTopic
	}
	if b.client == nil {
		return ErrNotConnected
	}
	return b.client.PublishRaw(ctx, b.channel(topic), EncodeFrame(topic, payload))
}

// Subscribe listens on the channels of topics until the subscription is closed
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	if err := checkTopics(topics); err != nil {
		return nil, err
	}
	if b.client == nil {
		return nil, ErrNotConnected
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = b.channel(t)
	}

	ps, err := b.client.Subscribe(ctx, channels...)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(uuid.NewString(), topics, 0)
	sub.closeFn = func() error {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		return ps.Close()
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			m, err := DecodeFrame([]byte(msg.Payload))
			if err != nil {
				log.Printf("⚠️  Dropping bus frame on %s: %v", msg.Channel, err)
				continue
			}
			sub.deliver(m)
		}
	}()

	return sub, nil
}

// Close closes every open subscription. The Redis client is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}
