package headless

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }

func TestIdleTrackerCountsInflight(t *testing.T) {
	t.Parallel()

	clock := &manualClock{t: time.Unix(100, 0)}
	tr := newIdleTracker(clock.now)
	require.False(t, tr.idle(), "quiet window has not elapsed yet")

	clock.t = clock.t.Add(time.Second)
	require.True(t, tr.idle())

	tr.handle(&network.EventRequestWillBeSent{RequestID: "a"})
	tr.handle(&network.EventRequestWillBeSent{RequestID: "b"})
	clock.t = clock.t.Add(time.Second)
	require.False(t, tr.idle())

	tr.handle(&network.EventLoadingFinished{RequestID: "a"})
	tr.handle(&network.EventLoadingFailed{RequestID: "b"})
	require.False(t, tr.idle(), "activity just happened")

	clock.t = clock.t.Add(quietWindow)
	require.True(t, tr.idle())

	// unknown ids do not reset the quiet window
	tr.handle(&network.EventLoadingFinished{RequestID: "zzz"})
	require.True(t, tr.idle())
}

func TestIdleTrackerWait(t *testing.T) {
	t.Parallel()

	clock := &manualClock{t: time.Unix(100, 0)}
	tr := newIdleTracker(clock.now)
	tr.handle(&network.EventRequestWillBeSent{RequestID: "a"})

	err := tr.wait(context.Background(), 120*time.Millisecond)
	require.ErrorIs(t, err, errNetworkBusy)

	tr.handle(&network.EventLoadingFinished{RequestID: "a"})
	clock.t = clock.t.Add(time.Second)
	require.NoError(t, tr.wait(context.Background(), time.Second))

	tr.handle(&network.EventRequestWillBeSent{RequestID: "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tr.wait(ctx, time.Second), context.Canceled)
}
