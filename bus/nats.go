package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSBus carries frames over core NATS subjects, one subject per topic
type NATSBus struct {
	conn    *nats.Conn
	subject func(topic string) string

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// ConnectNATS dials the NATS server and returns a bus on it
func ConnectNATS(url, name string, subject func(topic string) string) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("⚠️  NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("🔄 NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	log.Printf("✅ Connected to NATS at %s", url)
	return NewNATSBus(conn, subject), nil
}

// NewNATSBus wraps an existing connection
func NewNATSBus(conn *nats.Conn, subject func(topic string) string) *NATSBus {
	if subject == nil {
		subject = func(topic string) string { return topic }
	}
	return &NATSBus{
		conn:    conn,
		subject: subject,
		subs:    make(map[string]*Subscription),
	}
}

// Publish sends the "topic payload" frame on the topic's subject
func (b *NATSBus) Publish(_ context.Context, topic string, payload []byte) error {
	if !ValidTopic(topic) {
		return ErrUnknownTopic
	}
	if b.conn == nil || !b.conn.IsConnected() {
		return ErrNotConnected
	}
	return b.conn.Publish(b.subject(topic), EncodeFrame(topic, payload))
}

// Subscribe registers one NATS subscription per topic feeding a single queue
func (b *NATSBus) Subscribe(_ context.Context, topics ...string) (*Subscription, error) {
	if err := checkTopics(topics); err != nil {
		return nil, err
	}
	if b.conn == nil || !b.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := newSubscription(uuid.NewString(), topics, 0)
	natsSubs := make([]*nats.Subscription, 0, len(topics))
	unsubscribeAll := func() error {
		var firstErr error
		for _, ns := range natsSubs {
			if err := ns.Unsubscribe(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	for _, topic := range topics {
		ns, err := b.conn.Subscribe(b.subject(topic), func(msg *nats.Msg) {
			m, err := DecodeFrame(msg.Data)
			if err != nil {
				log.Printf("⚠️  Dropping bus frame on %s: %v", msg.Subject, err)
				return
			}
			sub.deliver(m)
		})
		if err != nil {
			_ = unsubscribeAll()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		natsSubs = append(natsSubs, ns)
	}

	// Make sure the server knows about the interest before returning
	if err := b.conn.Flush(); err != nil {
		_ = unsubscribeAll()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}

	sub.closeFn = func() error {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		return unsubscribeAll()
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Close unsubscribes everything and drains the connection
func (b *NATSBus) Close() error {
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
	if b.conn != nil {
		return b.conn.Drain()
	}
	return nil
}
