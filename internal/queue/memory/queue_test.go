package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan imagine.ArchiveItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), imagine.ArchiveItem{JobID: "req-1", Kind: imagine.JobKindVideo}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		assert.Equal(t, "req-1", got.JobID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueTryEnqueueWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.True(t, q.TryEnqueue(imagine.ArchiveItem{JobID: "a"}))
	require.False(t, q.TryEnqueue(imagine.ArchiveItem{JobID: "b"}))
	assert.Equal(t, 1, q.Len())
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qEnqueue := NewQueue(1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), imagine.ArchiveItem{JobID: "primed"}))
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	require.EqualError(t, qEnqueue.Enqueue(ctx, imagine.ArchiveItem{}), "enqueue canceled: context canceled")
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.True(t, q.TryEnqueue(imagine.ArchiveItem{JobID: "left"}))
	q.Close()
	q.Close()

	require.False(t, q.TryEnqueue(imagine.ArchiveItem{JobID: "late"}))
	require.ErrorIs(t, q.Enqueue(context.Background(), imagine.ArchiveItem{}), ErrClosed)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "left", item.JobID)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
