package headless

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

// quietWindow is how long the page must have no in-flight requests to count as idle.
const quietWindow = 500 * time.Millisecond

const idlePollInterval = 50 * time.Millisecond

var errNetworkBusy = errors.New("network did not go idle")

// idleTracker follows in-flight requests from CDP network events.
type idleTracker struct {
	mu           sync.Mutex
	now          func() time.Time
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
}

func newIdleTracker(now func() time.Time) *idleTracker {
	return &idleTracker{
		now:          now,
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: now(),
	}
}

func (t *idleTracker) handle(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.started(e.RequestID)
	case *network.EventLoadingFinished:
		t.finished(e.RequestID)
	case *network.EventLoadingFailed:
		t.finished(e.RequestID)
	}
}

func (t *idleTracker) started(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	t.lastActivity = t.now()
}

func (t *idleTracker) finished(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	t.lastActivity = t.now()
}

func (t *idleTracker) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.lastActivity) >= quietWindow
}

// wait polls until the tracker is idle, the timeout passes or ctx ends.
func (t *idleTracker) wait(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(idlePollInterval)
	defer tick.Stop()
	for {
		if t.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errNetworkBusy
		case <-tick.C:
		}
	}
}
