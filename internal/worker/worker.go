// Package worker runs queued scrape jobs through the pipeline.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/divar-listing-bot/internal/metrics"
	"github.com/JakeFAU/divar-listing-bot/internal/pipeline"
	"github.com/JakeFAU/divar-listing-bot/internal/queue"
)

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds a single run. Zero means no limit beyond the parent context.
	JobTimeout time.Duration
}

// Worker consumes queue items and executes the pipeline.
type Worker struct {
	queue  queue.Queue
	jobs   pipeline.JobStore
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(q queue.Queue, jobs pipeline.JobStore, runner Runner, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  q,
		jobs:   jobs,
		runner: runner,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))
		w.processItem(ctx, item)
	}
}

func (w *Worker) processItem(ctx context.Context, item queue.Item) {
	logger := w.logger.With(zap.String("job_id", item.JobID))
	job, err := w.jobs.GetJob(ctx, item.JobID)
	if err != nil {
		logger.Error("load job failed", zap.Error(err))
		return
	}
	if job.Status != pipeline.JobStatusQueued {
		logger.Info("skipping job that is no longer queued", zap.String("status", string(job.Status)))
		return
	}

	// The runner registers the job for cancellation and re-checks its status
	// when marking it running, so a cancel landing after this check still wins.
	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, w.cfg.JobTimeout)
		defer cancel()
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if _, err := w.runner.Run(jobCtx, job); err != nil {
		logger.Warn("job run failed", zap.Error(err))
	}
}
