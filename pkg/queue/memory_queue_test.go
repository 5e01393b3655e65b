package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, ExecutionMessage{ExecutionID: "a"}))
	require.NoError(t, q.Push(ctx, ExecutionMessage{ExecutionID: "b"}))

	n, _ := q.Len(ctx)
	assert.Equal(t, int64(2), n)

	msg, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", msg.ExecutionID)
	assert.NotZero(t, msg.Created)
}

func TestMemoryQueueEmptyAndFull(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	_, err := q.Pop(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, q.Push(ctx, ExecutionMessage{ExecutionID: "a"}))
	assert.Error(t, q.Push(ctx, ExecutionMessage{ExecutionID: "b"}))
}
