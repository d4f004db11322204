// Package worker implements the job consumption loop.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-archiver/internal/archive"
	"github.com/JakeFAU/url-archiver/internal/logging"
	"github.com/JakeFAU/url-archiver/internal/metrics"
	"github.com/JakeFAU/url-archiver/internal/pipeline"
	"github.com/JakeFAU/url-archiver/internal/retry"
)

// Processor runs one item through the pipeline.
type Processor interface {
	Process(ctx context.Context, itemID int64) pipeline.Outcome
}

// Config controls Worker behavior.
type Config struct {
	// Topic receives an ItemEvent after every job; empty disables publishing.
	Topic string
}

// Worker consumes queue jobs and executes the pipeline.
type Worker struct {
	queue     archive.Queue
	processor Processor
	retry     *retry.Policy
	publisher archive.Publisher
	clock     archive.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue archive.Queue,
	processor Processor,
	policy *retry.Policy,
	publisher archive.Publisher,
	clock archive.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if policy == nil {
		policy = retry.NewPolicy(nil)
	}
	return &Worker{
		queue:     queue,
		processor: processor,
		retry:     policy,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
	}
}

// Run blocks, consuming queue jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.Int64("item_id", job.ItemID), zap.Int("attempt", job.Attempt))
		w.processJob(ctx, job)
	}
}

// ProcessJob runs a single job synchronously; used by the process command.
func (w *Worker) ProcessJob(ctx context.Context, job archive.Job) pipeline.Outcome {
	return w.processJob(ctx, job)
}

func (w *Worker) processJob(ctx context.Context, job archive.Job) pipeline.Outcome {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	out := w.processor.Process(ctx, job.ItemID)
	if out.Kind == pipeline.OutcomeFailed {
		w.scheduleRetry(ctx, job, out.Err)
	}
	w.publish(ctx, job, out)
	return out
}

func (w *Worker) scheduleRetry(ctx context.Context, job archive.Job, cause error) {
	if ctx.Err() != nil || !w.retry.ShouldRetry(cause, job.Attempt) {
		w.logger.Warn("item failed permanently",
			zap.Int64("item_id", job.ItemID),
			zap.Int("attempt", job.Attempt),
			zap.Error(cause),
		)
		return
	}
	delay := w.retry.Backoff(job.Attempt)
	next := archive.Job{
		ItemID:     job.ItemID,
		Attempt:    job.Attempt + 1,
		EnqueuedAt: w.clock.Now().Unix(),
	}
	if err := w.queue.EnqueueAfter(ctx, next, delay); err != nil {
		w.logger.Error("schedule retry failed", zap.Int64("item_id", job.ItemID), zap.Error(err))
		return
	}
	metrics.ObserveRetryScheduled()
	w.logger.Info("retry scheduled",
		zap.Int64("item_id", job.ItemID),
		zap.Int("attempt", next.Attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
}

func (w *Worker) publish(ctx context.Context, job archive.Job, out pipeline.Outcome) {
	if w.cfg.Topic == "" || w.publisher == nil || out.Kind == pipeline.OutcomeSkipped {
		return
	}
	event := archive.ItemEvent{
		ItemID:  job.ItemID,
		Status:  out.Status,
		Type:    out.Type,
		Attempt: job.Attempt,
	}
	if out.Err != nil {
		event.Error = out.Err.Error()
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		w.logger.Warn("publish item event failed", zap.Int64("item_id", job.ItemID), zap.Error(fmt.Errorf("publish payload: %w", err)))
		return
	}
	w.logger.Debug("item event published", zap.Int64("item_id", job.ItemID), zap.String("message_id", id))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
