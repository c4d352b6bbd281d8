package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotInitialized is returned by every call on a client that failed to connect
var ErrNotInitialized = errors.New("redis client not initialized")

// RedisClient wraps redis.Client
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client, or nil when the server does not answer
func NewRedisClient(host, port, password string) *RedisClient {
	addr := fmt.Sprintf("%s:%s", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0, // use default DB
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("⚠️  Failed to connect to Redis at %s: %v", addr, err)
		_ = client.Close()
		return nil
	}

	log.Printf("✅ Connected to Redis at %s", addr)
	return &RedisClient{client: client}
}

// Set stores a JSON value in Redis with expiration
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if r == nil || r.client == nil {
		return ErrNotInitialized
	}

	jsonBytes, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, key, jsonBytes, expiration).Err()
}

// SetNX stores a JSON value only when key is absent and reports whether it was stored
func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	if r == nil || r.client == nil {
		return false, ErrNotInitialized
	}

	jsonBytes, err := json.Marshal(value)
	if err != nil {
		return false, err
	}

	return r.client.SetNX(ctx, key, jsonBytes, expiration).Result()
}

// Get retrieves a JSON value from Redis
func (r *RedisClient) Get(ctx context.Context, key string, dest interface{}) error {
	if r == nil || r.client == nil {
		return ErrNotInitialized
	}

	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(val), dest)
}

// Delete removes a key from Redis
func (r *RedisClient) Delete(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return ErrNotInitialized
	}
	return r.client.Del(ctx, key).Err()
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r != nil && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PublishRaw sends an already framed message to a channel
func (r *RedisClient) PublishRaw(ctx context.Context, channel string, payload []byte) error {
	if r == nil || r.client == nil {
		return ErrNotInitialized
	}
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe subscribes to one or more channels and waits for the server confirmation
func (r *RedisClient) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	if r == nil || r.client == nil {
		return nil, ErrNotInitialized
	}
	ps := r.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}
	return ps, nil
}

// Exists checks if a key exists in Redis
func (r *RedisClient) Exists(ctx context.Context, key string) bool {
	if r == nil || r.client == nil {
		return false
	}

	result, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false
	}

	return result > 0
}
