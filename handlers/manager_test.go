package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"open-mer/bus"
)

func TestDispatchRoutesByTopic(t *testing.T) {
	hm := NewHandlerManager()

	var depths, statuses []string
	hm.Handle(bus.TopicDDU, func(p []byte) error {
		depths = append(depths, string(p))
		return nil
	})
	hm.RegisterHandler("status-log", TopicHandler{Topic: bus.TopicSnippetStatus, Fn: func(p []byte) error {
		statuses = append(statuses, string(p))
		return nil
	}})

	require.NoError(t, hm.Dispatch(bus.Message{Topic: bus.TopicDDU, Payload: []byte("-3.500")}))
	require.NoError(t, hm.Dispatch(bus.Message{Topic: bus.TopicSnippetStatus, Payload: []byte("done")}))
	assert.Error(t, hm.Dispatch(bus.Message{Topic: bus.TopicFeatures, Payload: []byte("refresh")}))

	assert.Equal(t, []string{"-3.500"}, depths)
	assert.Equal(t, []string{"done"}, statuses)
	assert.Equal(t, []string{bus.TopicDDU, bus.TopicSnippetStatus}, hm.Topics())
}

func TestDispatchRunsAllHandlersOnError(t *testing.T) {
	hm := NewHandlerManager()
	boom := errors.New("boom")
	calls := 0
	hm.RegisterHandler("a", TopicHandler{Topic: bus.TopicDDU, Fn: func([]byte) error { calls++; return boom }})
	hm.RegisterHandler("b", TopicHandler{Topic: bus.TopicDDU, Fn: func([]byte) error { calls++; return nil }})

	err := hm.Dispatch(bus.Message{Topic: bus.TopicDDU})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{bus.TopicDDU}, hm.Topics())

	hm.RegisterHandler("a", TopicHandler{Topic: bus.TopicDDU, Fn: func([]byte) error { calls++; return nil }})
	assert.NoError(t, hm.Dispatch(bus.Message{Topic: bus.TopicDDU}))
	assert.Equal(t, 4, calls)
}

func TestDrain(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(16)
	sub, err := b.Subscribe(ctx, bus.TopicDDU, bus.TopicFeatures)
	require.NoError(t, err)

	hm := NewHandlerManager()
	var got []string
	hm.Handle(bus.TopicDDU, func(p []byte) error { got = append(got, string(p)); return nil })

	require.NoError(t, bus.PublishDepth(ctx, b, 1))
	require.NoError(t, bus.PublishFeatures(ctx, b, nil))
	require.NoError(t, bus.PublishDepth(ctx, b, 2))

	var failed []string
	n := hm.Drain(sub, func(msg bus.Message, err error) { failed = append(failed, msg.Topic) })
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"1.000", "2.000"}, got)
	assert.Equal(t, []string{bus.TopicFeatures}, failed)
	assert.Equal(t, 0, hm.Drain(sub, nil))
}
