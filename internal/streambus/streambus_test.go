package streambus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishThenReadGroupDelivers(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()

	id, err := b.Publish(ctx, "opportunities", map[string]interface{}{"id": "op-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := b.ReadGroup(ctx, "opportunities", "engine", "c1", 10, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "op-1", msgs[0].Fields["id"])
}

func TestReadGroupDoesNotRedeliverPendingWithoutAck(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()
	_, _ = b.Publish(ctx, "opportunities", map[string]interface{}{"id": "op-1"})

	first, err := b.ReadGroup(ctx, "opportunities", "engine", "c1", 10, 100)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := b.ReadGroup(ctx, "opportunities", "engine", "c1", 10, 50)
	require.NoError(t, err)
	assert.Len(t, second, 0, "message remains pending until acked")
}

func TestAckRemovesFromPending(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()
	_, _ = b.Publish(ctx, "opportunities", map[string]interface{}{"id": "op-1"})
	msgs, _ := b.ReadGroup(ctx, "opportunities", "engine", "c1", 10, 100)

	count, err := b.PendingCount(ctx, "opportunities", "engine")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, b.Ack(ctx, "opportunities", "engine", msgs[0].ID))
	count, err = b.PendingCount(ctx, "opportunities", "engine")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestReadGroupBlocksThenReturnsEmptyOnTimeout(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()

	start := time.Now()
	msgs, err := b.ReadGroup(ctx, "opportunities", "engine", "c1", 10, 50)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Len(t, msgs, 0)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestReadGroupWakesOnConcurrentPublish(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()

	done := make(chan []Message, 1)
	go func() {
		msgs, _ := b.ReadGroup(ctx, "opportunities", "engine", "c1", 10, 2000)
		done <- msgs
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := b.Publish(ctx, "opportunities", map[string]interface{}{"id": "op-1"})
	require.NoError(t, err)

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
	case <-time.After(time.Second):
		t.Fatal("ReadGroup did not wake on publish")
	}
}

func TestConsumerGroupsAreIndependent(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()
	_, _ = b.Publish(ctx, "opportunities", map[string]interface{}{"id": "op-1"})

	m1, err := b.ReadGroup(ctx, "opportunities", "engine-a", "c1", 10, 100)
	require.NoError(t, err)
	require.Len(t, m1, 1)

	m2, err := b.ReadGroup(ctx, "opportunities", "engine-b", "c1", 10, 100)
	require.NoError(t, err)
	require.Len(t, m2, 1, "separate consumer group sees the message independently")
}
