package pipeline

import (
	"context"
	"sync"
)

// Cancels tracks the cancel functions of running jobs.
type Cancels struct {
	mu    sync.Mutex
	funcs map[string]context.CancelFunc
}

// NewCancels returns an empty registry.
func NewCancels() *Cancels {
	return &Cancels{funcs: make(map[string]context.CancelFunc)}
}

// Register derives a cancelable context for jobID. The returned release
// function must be called when the job ends.
func (c *Cancels) Register(ctx context.Context, jobID string) (context.Context, func()) {
	jobCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.funcs[jobID] = cancel
	c.mu.Unlock()
	return jobCtx, func() {
		c.mu.Lock()
		delete(c.funcs, jobID)
		c.mu.Unlock()
		cancel()
	}
}

// Cancel stops a running job. It reports whether the job was running.
func (c *Cancels) Cancel(jobID string) bool {
	c.mu.Lock()
	cancel, ok := c.funcs[jobID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
