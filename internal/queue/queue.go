// Package queue defines the work items that move scrape jobs from
// submission to the worker pool.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Dequeue once a queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Item wraps a job ready to run.
type Item struct {
	JobID     string    `json:"job_id"`
	URL       string    `json:"url"`
	Attempt   int       `json:"attempt"`
	Submitted time.Time `json:"submitted_at"`
}

// Queue provides enqueue/dequeue semantics for scrape jobs.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Dequeue(ctx context.Context) (Item, error)
}
