// Package memory provides an in-process job queue for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/url-archiver/internal/archive"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan archive.Job
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
	timers  map[*time.Timer]struct{}
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:     make(chan archive.Job, capacity),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, job archive.Job) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- job:
		return nil
	}
}

// EnqueueAfter delivers job once delay elapses. Pending delayed jobs are
// dropped when the queue closes.
func (q *Queue) EnqueueAfter(ctx context.Context, job archive.Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return ErrClosed
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.closeMu.Lock()
		delete(q.timers, timer)
		q.closeMu.Unlock()
		select {
		case q.ch <- job:
		case <-q.done:
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Pending returns the number of delayed jobs not yet delivered.
func (q *Queue) Pending() int {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	return len(q.timers)
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (archive.Job, error) {
	select {
	case <-ctx.Done():
		return archive.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return archive.Job{}, ErrClosed
	case job := <-q.ch:
		return job, nil
	}
}

// Close stops pending timers and wakes blocked callers.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	for t := range q.timers {
		t.Stop()
	}
	clear(q.timers)
	close(q.done)
	q.closed = true
	return nil
}
