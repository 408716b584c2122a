// Package pipeline turns a search URL into a sorted, outlier-filtered listing
// report and records every step of the job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/JakeFAU/divar-listing-bot/internal/listing"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Job sources.
const (
	SourceTelegram = "telegram"
	SourceAPI      = "api"
	SourceCLI      = "cli"
)

var (
	// ErrJobNotFound is returned by job stores for unknown ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when creating a job whose id is taken.
	ErrJobExists = errors.New("job already exists")
	// ErrJobTerminal is returned when updating a job that already finished.
	ErrJobTerminal = errors.New("job already finished")
	// ErrObjectNotFound is returned by blob stores for unknown paths.
	ErrObjectNotFound = errors.New("object not found")
)

// Job is one scrape of one search URL.
type Job struct {
	ID         string      `json:"id"`
	URL        string      `json:"url"`
	Source     string      `json:"source"`
	Status     JobStatus   `json:"status"`
	Submitted  time.Time   `json:"submitted_at"`
	Started    *time.Time  `json:"started_at,omitempty"`
	Finished   *time.Time  `json:"finished_at,omitempty"`
	ErrorText  string      `json:"error_text,omitempty"`
	ReportPath string      `json:"report_path,omitempty"`
	ReportURI  string      `json:"report_uri,omitempty"`
	Counters   JobCounters `json:"counters"`
}

// JobCounters summarizes what a finished job produced.
type JobCounters struct {
	Collected int `json:"collected"`
	Dropped   int `json:"dropped"`
	Priced    int `json:"priced"`
}

// JobUpdate is applied to a stored job. Empty report fields leave the stored values untouched.
type JobUpdate struct {
	Status     JobStatus
	ErrorText  string
	Counters   JobCounters
	ReportPath string
	ReportURI  string
}

// NewJob builds a queued job.
func NewJob(id, url, source string, now time.Time) Job {
	return Job{
		ID:        id,
		URL:       url,
		Source:    source,
		Status:    JobStatusQueued,
		Submitted: now,
	}
}

// Apply returns job with update applied, stamping start and finish times.
// Terminal jobs are never reopened or rewritten.
func (j Job) Apply(update JobUpdate, now time.Time) (Job, error) {
	if j.Status.Terminal() {
		return j, fmt.Errorf("%s is %s: %w", j.ID, j.Status, ErrJobTerminal)
	}
	j.Status = update.Status
	j.ErrorText = update.ErrorText
	j.Counters = update.Counters
	if update.ReportPath != "" {
		j.ReportPath = update.ReportPath
	}
	if update.ReportURI != "" {
		j.ReportURI = update.ReportURI
	}
	if update.Status == JobStatusRunning && j.Started == nil {
		j.Started = &now
	}
	if update.Status.Terminal() {
		j.Finished = &now
	}
	return j, nil
}

// JobStore persists jobs and the listings they produced.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	RecordListings(ctx context.Context, jobID string, rows []listing.Listing) error
	ListListings(ctx context.Context, jobID string) ([]listing.Listing, error)
}

// BlobStore persists report workbooks.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Completion is the payload published when a job succeeds.
type Completion struct {
	JobID     string `json:"job_id"`
	URL       string `json:"url"`
	Source    string `json:"source"`
	ReportURI string `json:"report_uri"`
	Priced    int    `json:"priced"`
	Collected int    `json:"collected"`
	Dropped   int    `json:"dropped"`
	Timestamp string `json:"timestamp"`
}

// Result is what a successful run hands back to its caller.
type Result struct {
	Listings  []listing.Listing
	Report    []byte
	Stats     listing.OutlierStats
	Collected int
	ReportURI string
}

// Caption is the message sent alongside the workbook.
func (r Result) Caption() string {
	return captionFor(len(r.Listings))
}
