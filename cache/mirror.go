package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys of the state shared between processes
const (
	KeyLastSettings  = "openmer:procedure_settings:last"
	KeyChannelSelect = "openmer:channel_select"
	KeyWebhookPrefix = "openmer:webhook:"
)

// Mirror keeps small last-known values that late readers can fetch without
// subscribing to the bus
type Mirror interface {
	// Put stores value as JSON under key
	Put(ctx context.Context, key string, value interface{}) error
	// Load decodes the value under key into dest and reports whether it existed
	Load(ctx context.Context, key string, dest interface{}) (bool, error)
	// Claim sets key for ttl when absent and reports whether this caller got it
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisMirror is a Mirror on a Redis client
type RedisMirror struct {
	client *RedisClient
}

// NewRedisMirror wraps client
func NewRedisMirror(client *RedisClient) *RedisMirror {
	return &RedisMirror{client: client}
}

// Put stores value without expiration
func (m *RedisMirror) Put(ctx context.Context, key string, value interface{}) error {
	return m.client.Set(ctx, key, value, 0)
}

// Load reads the value under key
func (m *RedisMirror) Load(ctx context.Context, key string, dest interface{}) (bool, error) {
	err := m.client.Get(ctx, key, dest)
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Claim uses SET NX with ttl
func (m *RedisMirror) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.client.SetNX(ctx, key, time.Now().Unix(), ttl)
}

type memEntry struct {
	data    []byte
	expires time.Time
}

// MemoryMirror is an in-process Mirror used when Redis is unavailable and in tests
type MemoryMirror struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryMirror creates an empty mirror
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{entries: make(map[string]memEntry), now: time.Now}
}

// Put stores value as JSON
func (m *MemoryMirror) Put(_ context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{data: data}
	return nil
}

// Load decodes the value under key
func (m *MemoryMirror) Load(_ context.Context, key string, dest interface{}) (bool, error) {
	m.mu.Lock()
	e, ok := m.lookup(key)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(e.data, dest)
}

// Claim sets key for ttl when absent or expired
func (m *MemoryMirror) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries[key] = memEntry{data: []byte("1"), expires: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryMirror) lookup(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

// NewMirror returns a Redis mirror when client is connected, otherwise an in-memory one
func NewMirror(client *RedisClient) Mirror {
	if client == nil {
		return NewMemoryMirror()
	}
	return NewRedisMirror(client)
}
