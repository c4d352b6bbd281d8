package handlers

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"open-mer/bus"
)

// HandlerManager routes polled bus messages to registered handlers
type HandlerManager struct {
	handlers map[string]MessageHandler
	order    []string
	mu       sync.RWMutex
}

// NewHandlerManager creates an empty registry
func NewHandlerManager() *HandlerManager {
	return &HandlerManager{
		handlers: make(map[string]MessageHandler),
	}
}

// RegisterHandler registers handler under name, replacing any previous one
func (hm *HandlerManager) RegisterHandler(name string, handler MessageHandler) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if _, exists := hm.handlers[name]; !exists {
		hm.order = append(hm.order, name)
	}
	hm.handlers[name] = handler
	log.Printf("📦 Registered handler: %s (topic: %s)", name, handler.GetTopic())
}

// Handle registers a function for topic under the topic's own name
func (hm *HandlerManager) Handle(topic string, fn func(payload []byte) error) {
	hm.RegisterHandler(topic, TopicHandler{Topic: topic, Fn: fn})
}

// Topics returns the distinct topics with at least one handler, sorted
func (hm *HandlerManager) Topics() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	seen := make(map[string]bool)
	var topics []string
	for _, h := range hm.handlers {
		if t := h.GetTopic(); !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}
	sort.Strings(topics)
	return topics
}

// Dispatch calls every handler for msg.Topic in registration order. The first
// error is returned after all handlers ran.
func (hm *HandlerManager) Dispatch(msg bus.Message) error {
	hm.mu.RLock()
	matched := make([]MessageHandler, 0, 1)
	for _, name := range hm.order {
		if h := hm.handlers[name]; h.GetTopic() == msg.Topic {
			matched = append(matched, h)
		}
	}
	hm.mu.RUnlock()

	if len(matched) == 0 {
		return fmt.Errorf("no handler for topic '%s'", msg.Topic)
	}

	var firstErr error
	for _, h := range matched {
		if err := h.Handle(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Drain polls sub without blocking and dispatches everything buffered. Handler
// errors are passed to onError and do not stop the drain.
func (hm *HandlerManager) Drain(sub *bus.Subscription, onError func(msg bus.Message, err error)) int {
	n := 0
	for {
		msg, ok := sub.Poll()
		if !ok {
			return n
		}
		n++
		if err := hm.Dispatch(msg); err != nil && onError != nil {
			onError(msg, err)
		}
	}
}
