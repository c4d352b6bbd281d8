// Package bus carries small control messages between the capture processes.
//
// A message is addressed by topic and framed on the wire as "topic payload".
// Delivery is best-effort and at-most-once: a subscriber that is slow or
// starts late misses messages. Subscribers read with a non-blocking Poll so
// worker ticks never wait on the bus.
package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Topics carried by the bus. The set is fixed.
const (
	TopicProcedureSettings = "procedure_settings"
	TopicDDU               = "ddu"
	TopicSnippetStatus     = "snippet_status"
	TopicChannelSelect     = "channel_select"
	TopicFeatures          = "features"
)

// Topics lists every topic in a stable order
var Topics = []string{
	TopicProcedureSettings,
	TopicDDU,
	TopicSnippetStatus,
	TopicChannelSelect,
	TopicFeatures,
}

// Errors returned by bus implementations
var (
	ErrBusClosed    = errors.New("bus closed")
	ErrUnknownTopic = errors.New("unknown topic")
	ErrMalformed    = errors.New("malformed frame")
	ErrNotConnected = errors.New("bus backend not connected")
)

const defaultQueueSize = 1024

// Message is one decoded bus frame
type Message struct {
	Topic   string
	Payload []byte
}

// Bus is a topic-addressed publish/subscribe transport
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (*Subscription, error)
	Close() error
}

// ValidTopic reports whether topic is one of the fixed topics
func ValidTopic(topic string) bool {
	for _, t := range Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// EncodeFrame builds the "topic payload" wire frame
func EncodeFrame(topic string, payload []byte) []byte {
	frame := make([]byte, 0, len(topic)+1+len(payload))
	frame = append(frame, topic...)
	frame = append(frame, ' ')
	return append(frame, payload...)
}

// DecodeFrame splits a wire frame into topic and payload
func DecodeFrame(frame []byte) (Message, error) {
	idx := bytes.IndexByte(frame, ' ')
	if idx <= 0 {
		return Message{}, fmt.Errorf("%w: no topic separator", ErrMalformed)
	}
	topic := string(frame[:idx])
	if !ValidTopic(topic) {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	payload := make([]byte, len(frame)-idx-1)
	copy(payload, frame[idx+1:])
	return Message{Topic: topic, Payload: payload}, nil
}

func checkTopics(topics []string) error {
	if len(topics) == 0 {
		return fmt.Errorf("%w: no topics", ErrUnknownTopic)
	}
	for _, t := range topics {
		if !ValidTopic(t) {
			return fmt.Errorf("%w: %q", ErrUnknownTopic, t)
		}
	}
	return nil
}

// SubscriptionStats counts deliveries to one subscription
type SubscriptionStats struct {
	Delivered uint64
	Dropped   uint64
}

// Subscription buffers messages for one subscriber. New messages are dropped
// when the buffer is full.
type Subscription struct {
	id      string
	topics  []string
	queue   chan Message
	stats   SubscriptionStats
	closeFn func() error
	once    sync.Once
	closed  atomic.Bool
}

func newSubscription(id string, topics []string, size int) *Subscription {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Subscription{
		id:     id,
		topics: append([]string(nil), topics...),
		queue:  make(chan Message, size),
	}
}

// ID returns the subscriber id
func (s *Subscription) ID() string { return s.id }

// Topics returns the subscribed topics
func (s *Subscription) Topics() []string { return append([]string(nil), s.topics...) }

func (s *Subscription) deliver(msg Message) {
	if s.closed.Load() {
		return
	}
	select {
	case s.queue <- msg:
		atomic.AddUint64(&s.stats.Delivered, 1)
	default:
		atomic.AddUint64(&s.stats.Dropped, 1)
	}
}

// Poll returns the next buffered message without blocking
func (s *Subscription) Poll() (Message, bool) {
	select {
	case msg := <-s.queue:
		return msg, true
	default:
		return Message{}, false
	}
}

// PollAll drains every buffered message in arrival order
func (s *Subscription) PollAll() []Message {
	var out []Message
	for {
		msg, ok := s.Poll()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

// Next blocks until a message arrives or ctx is done. For UIs, not for worker ticks.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.queue:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Stats returns a snapshot of delivery counters
func (s *Subscription) Stats() SubscriptionStats {
	return SubscriptionStats{
		Delivered: atomic.LoadUint64(&s.stats.Delivered),
		Dropped:   atomic.LoadUint64(&s.stats.Dropped),
	}
}

// Close detaches the subscription from its backend
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		if s.closeFn != nil {
			err = s.closeFn()
		}
	})
	return err
}
