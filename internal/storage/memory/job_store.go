// Package memory keeps jobs, listings and report blobs in process memory.
// It backs development runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/divar-listing-bot/internal/listing"
	"github.com/JakeFAU/divar-listing-bot/internal/pipeline"
)

// JobStore provides an in-memory pipeline.JobStore.
type JobStore struct {
	mu       sync.RWMutex
	jobs     map[string]pipeline.Job
	listings map[string][]listing.Listing
	now      func() time.Time
}

var _ pipeline.JobStore = (*JobStore)(nil)

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:     make(map[string]pipeline.Job),
		listings: make(map[string][]listing.Listing),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%s: %w", job.ID, pipeline.ErrJobExists)
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob applies status, counters and report location to a job.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, update pipeline.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%s: %w", jobID, pipeline.ErrJobNotFound)
	}
	updated, err := job.Apply(update, s.now())
	if err != nil {
		return err
	}
	s.jobs[jobID] = updated
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.Job{}, fmt.Errorf("%s: %w", jobID, pipeline.ErrJobNotFound)
	}
	return job, nil
}

// RecordListings replaces the listings stored for a job.
func (s *JobStore) RecordListings(_ context.Context, jobID string, rows []listing.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("%s: %w", jobID, pipeline.ErrJobNotFound)
	}
	s.listings[jobID] = append([]listing.Listing(nil), rows...)
	return nil
}

// ListListings returns a copy of the listings recorded for a job.
func (s *JobStore) ListListings(_ context.Context, jobID string) ([]listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, fmt.Errorf("%s: %w", jobID, pipeline.ErrJobNotFound)
	}
	rows := s.listings[jobID]
	out := make([]listing.Listing, len(rows))
	copy(out, rows)
	return out, nil
}
