package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMirrorPutLoad(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMirror()

	var dest map[string]interface{}
	found, err := m.Load(ctx, KeyChannelSelect, &dest)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.Put(ctx, KeyChannelSelect, map[string]interface{}{"channel": 2, "label": "Ch2"}))
	found, err = m.Load(ctx, KeyChannelSelect, &dest)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Ch2", dest["label"])
}

func TestMemoryMirrorClaim(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryMirror()
	m.now = func() time.Time { return now }

	ok, err := m.Claim(ctx, KeyWebhookPrefix+"1:-3500", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = m.Claim(ctx, KeyWebhookPrefix+"1:-3500", 30*time.Second)
	assert.False(t, ok)

	now = now.Add(31 * time.Second)
	ok, _ = m.Claim(ctx, KeyWebhookPrefix+"1:-3500", 30*time.Second)
	assert.True(t, ok)
}

func TestNilRedisClient(t *testing.T) {
	var c *RedisClient
	ctx := context.Background()
	assert.ErrorIs(t, c.Set(ctx, "k", 1, 0), ErrNotInitialized)
	assert.ErrorIs(t, c.PublishRaw(ctx, "ch", nil), ErrNotInitialized)
	assert.False(t, c.Exists(ctx, "k"))
	assert.NoError(t, c.Close())

	_, isMemory := NewMirror(nil).(*MemoryMirror)
	assert.True(t, isMemory)
}
