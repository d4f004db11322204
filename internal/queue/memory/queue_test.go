package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/url-archiver/internal/archive"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan archive.Job, 1)
	errCh := make(chan error, 1)

	go func() {
		job, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- job
	}()

	require.NoError(t, q.Enqueue(context.Background(), archive.Job{ItemID: 1}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, int64(1), got.ItemID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	require.NoError(t, q.Enqueue(context.Background(), archive.Job{ItemID: 1}))
	err = q.Enqueue(ctx, archive.Job{ItemID: 2})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueEnqueueAfterDelivers(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.EnqueueAfter(context.Background(), archive.Job{ItemID: 7, Attempt: 1}, 20*time.Millisecond))
	require.Equal(t, 1, q.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, archive.Job{ItemID: 7, Attempt: 1}, job)
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueueCloseDropsDelayedAndUnblocks(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.EnqueueAfter(context.Background(), archive.Job{ItemID: 1}, time.Hour))

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue not released by close")
	}
	require.Zero(t, q.Pending())
	require.ErrorIs(t, q.Enqueue(context.Background(), archive.Job{}), ErrClosed)
	require.ErrorIs(t, q.EnqueueAfter(context.Background(), archive.Job{}, time.Second), ErrClosed)
}
