// Package dispatcher fans archive jobs out to a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/url-archiver/internal/archive"
)

// Runner consumes jobs until its context finishes.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher owns the queue and the worker pool.
type Dispatcher struct {
	queue   archive.Queue
	workers []Runner
	clock   archive.Clock
}

// New creates a Dispatcher.
func New(queue archive.Queue, clock archive.Clock, workers ...Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		clock:   clock,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job archive.Job) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Submit enqueues the first attempt for itemID.
func (d *Dispatcher) Submit(ctx context.Context, itemID int64) error {
	return d.Enqueue(ctx, archive.Job{
		ItemID:     itemID,
		EnqueuedAt: d.clock.Now().Unix(),
	})
}
