// Package dispatcher fans queued scrape jobs out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/divar-listing-bot/internal/pipeline"
	"github.com/JakeFAU/divar-listing-bot/internal/queue"
	"github.com/JakeFAU/divar-listing-bot/internal/worker"
)

// Submitter creates queued jobs.
type Submitter interface {
	Submit(ctx context.Context, url, source string) (pipeline.Job, error)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue     queue.Queue
	workers   []*worker.Worker
	submitter Submitter
	jobs      pipeline.JobStore
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(
	q queue.Queue,
	workers []*worker.Worker,
	submitter Submitter,
	jobs pipeline.JobStore,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     q,
		workers:   workers,
		submitter: submitter,
		jobs:      jobs,
		logger:    logger,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item queue.Item) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Submit creates a job for url and queues it. A job that cannot be queued is
// marked failed so it does not linger as queued.
func (d *Dispatcher) Submit(ctx context.Context, url, source string) (pipeline.Job, error) {
	if d.submitter == nil {
		return pipeline.Job{}, errors.New("dispatcher has no submitter")
	}
	job, err := d.submitter.Submit(ctx, url, source)
	if err != nil {
		return pipeline.Job{}, err
	}
	item := queue.Item{JobID: job.ID, URL: job.URL, Attempt: 1, Submitted: job.Submitted}
	if err := d.Enqueue(ctx, item); err != nil {
		if d.jobs != nil {
			update := pipeline.JobUpdate{Status: pipeline.JobStatusFailed, ErrorText: err.Error()}
			if uerr := d.jobs.UpdateJob(context.WithoutCancel(ctx), job.ID, update); uerr != nil {
				d.logger.Error("mark unqueued job failed", zap.String("job_id", job.ID), zap.Error(uerr))
			}
		}
		return pipeline.Job{}, err
	}
	d.logger.Info("job queued", zap.String("job_id", job.ID), zap.String("url", url), zap.String("source", source))
	return job, nil
}
