package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/divar-listing-bot/internal/listing"
	"github.com/JakeFAU/divar-listing-bot/internal/metrics"
	"github.com/JakeFAU/divar-listing-bot/internal/report"
)

const tracerName = "github.com/JakeFAU/divar-listing-bot/internal/pipeline"

// Config controls Runner behavior.
type Config struct {
	Mode          string
	OutlierFactor float64
	BlobPrefix    string
	Topic         string
}

// Deps are the collaborators a Runner needs. Publisher may be nil. Cancels
// defaults to a private registry; share one with the API so any running job
// can be stopped regardless of how it was submitted.
type Deps struct {
	Scraper   listing.Scraper
	Jobs      JobStore
	Blobs     BlobStore
	Publisher Publisher
	Clock     Clock
	IDs       IDGenerator
	Cancels   *Cancels
}

// Runner executes scrape jobs end to end.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	switch {
	case deps.Scraper == nil:
		return nil, errors.New("pipeline: scraper is required")
	case deps.Jobs == nil:
		return nil, errors.New("pipeline: job store is required")
	case deps.Blobs == nil:
		return nil, errors.New("pipeline: blob store is required")
	case deps.Clock == nil:
		return nil, errors.New("pipeline: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("pipeline: id generator is required")
	}
	if deps.Cancels == nil {
		deps.Cancels = NewCancels()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger}, nil
}

// Cancels returns the registry of jobs this runner is executing.
func (r *Runner) Cancels() *Cancels {
	return r.deps.Cancels
}

// Submit creates and stores a queued job for url.
func (r *Runner) Submit(ctx context.Context, url, source string) (Job, error) {
	jobID, err := r.deps.IDs.NewID()
	if err != nil {
		return Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := NewJob(jobID, url, source, r.deps.Clock.Now())
	if err := r.deps.Jobs.CreateJob(ctx, job); err != nil {
		return Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// ScrapeNow submits and runs a job synchronously.
func (r *Runner) ScrapeNow(ctx context.Context, url, source string) (Job, Result, error) {
	job, err := r.Submit(ctx, url, source)
	if err != nil {
		return Job{}, Result{}, err
	}
	res, err := r.Run(ctx, job)
	return job, res, err
}

// Run scrapes, filters, sorts and exports one job, updating its status as it goes.
func (r *Runner) Run(ctx context.Context, job Job) (res Result, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.run")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.source", job.Source),
		attribute.String("scrape.url", job.URL),
		attribute.String("scrape.mode", r.cfg.Mode),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := r.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))
	ctx, release := r.deps.Cancels.Register(ctx, job.ID)
	defer release()

	if err := r.deps.Jobs.UpdateJob(ctx, job.ID, JobUpdate{Status: JobStatusRunning}); err != nil {
		err = fmt.Errorf("mark job running: %w", err)
		if !errors.Is(err, ErrJobTerminal) {
			r.abandon(ctx, job, err, logger)
		}
		return Result{}, err
	}
	logger.Info("job started", zap.String("source", job.Source))

	res, counters, reportPath, err := r.execute(ctx, job)
	canceled := errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
	if canceled && err == nil {
		err = context.Canceled
	}
	// Cancel requests arriving from here on find the job unregistered and
	// race the final update through the store instead.
	release()

	// Final status must land even when the job context is gone.
	finalCtx := context.WithoutCancel(ctx)
	update := JobUpdate{Counters: counters, ReportPath: reportPath, ReportURI: res.ReportURI}
	switch {
	case err == nil:
		update.Status = JobStatusSucceeded
	case canceled:
		update.Status = JobStatusCanceled
		update.ErrorText = err.Error()
	default:
		update.Status = JobStatusFailed
		update.ErrorText = err.Error()
	}
	if uerr := r.deps.Jobs.UpdateJob(finalCtx, job.ID, update); uerr != nil {
		logger.Error("final job status update failed", zap.Error(uerr))
		if err == nil || errors.Is(uerr, ErrJobTerminal) {
			err = fmt.Errorf("mark job %s: %w", update.Status, uerr)
		}
	}
	metrics.ObserveScrape(job.Source, string(update.Status))

	if err != nil {
		logger.Warn("job finished", zap.String("status", string(update.Status)), zap.Error(err))
		return Result{}, err
	}
	logger.Info("job finished",
		zap.String("status", string(update.Status)),
		zap.Int("collected", counters.Collected),
		zap.Int("dropped", counters.Dropped),
		zap.Int("priced", counters.Priced),
		zap.String("report_uri", res.ReportURI),
	)
	return res, nil
}

// abandon moves a job that never started to a terminal status so it does
// not sit in queued forever.
func (r *Runner) abandon(ctx context.Context, job Job, cause error, logger *zap.Logger) {
	update := JobUpdate{Status: JobStatusFailed, ErrorText: cause.Error()}
	if errors.Is(ctx.Err(), context.Canceled) {
		update.Status = JobStatusCanceled
	}
	if err := r.deps.Jobs.UpdateJob(context.WithoutCancel(ctx), job.ID, update); err != nil {
		logger.Error("abandon job failed", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	metrics.ObserveScrape(job.Source, string(update.Status))
}

func (r *Runner) execute(ctx context.Context, job Job) (Result, JobCounters, string, error) {
	var counters JobCounters

	rows, err := r.deps.Scraper.Scrape(ctx, job.URL)
	if err != nil {
		return Result{}, counters, "", fmt.Errorf("scrape: %w", err)
	}
	counters.Collected = len(rows)

	filtered, stats := listing.RemoveLowPriceOutliers(rows, r.cfg.OutlierFactor)
	counters.Dropped = stats.Dropped
	sorted := listing.SortByPrice(filtered)
	counters.Priced = len(sorted)
	metrics.ObserveListings(counters.Collected, counters.Dropped)

	workbook, err := report.Write(sorted)
	if err != nil {
		return Result{}, counters, "", fmt.Errorf("write report: %w", err)
	}

	path := r.blobPath(job.ID, workbook)
	uri, err := r.deps.Blobs.PutObject(ctx, path, report.ContentType, bytes.NewReader(workbook))
	if err != nil {
		return Result{}, counters, "", fmt.Errorf("put report: %w", err)
	}

	if err := r.deps.Jobs.RecordListings(ctx, job.ID, sorted); err != nil {
		return Result{}, counters, path, fmt.Errorf("record listings: %w", err)
	}

	if err := r.publish(ctx, job, uri, counters); err != nil {
		return Result{}, counters, path, err
	}

	return Result{
		Listings:  sorted,
		Report:    workbook,
		Stats:     stats,
		Collected: counters.Collected,
		ReportURI: uri,
	}, counters, path, nil
}

func (r *Runner) publish(ctx context.Context, job Job, uri string, counters JobCounters) error {
	if r.cfg.Topic == "" || r.deps.Publisher == nil {
		return nil
	}
	payload := Completion{
		JobID:     job.ID,
		URL:       job.URL,
		Source:    job.Source,
		ReportURI: uri,
		Priced:    counters.Priced,
		Collected: counters.Collected,
		Dropped:   counters.Dropped,
		Timestamp: r.deps.Clock.Now().Format(time.RFC3339),
	}
	if _, err := r.deps.Publisher.Publish(ctx, r.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	return nil
}

// blobPath is <prefix>/<job_id>/<sha256>.xlsx.
func (r *Runner) blobPath(jobID string, data []byte) string {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + ".xlsx"
	prefix := strings.Trim(r.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", jobID, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, jobID, name)
}

func captionFor(priced int) string {
	return fmt.Sprintf("Found %d priced ads.", priced)
}
