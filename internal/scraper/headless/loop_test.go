package headless

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/divar-listing-bot/internal/listing"
)

type fakePage struct {
	snapshots  []string
	calls      int
	scrollErr  error
	lastCard   int
	viewport   int
	pixels     int
	idleWaits  int
	htmlErr    error
	countCards func(html string) int
}

func (p *fakePage) current() string {
	idx := p.calls - 1
	if idx >= len(p.snapshots) {
		idx = len(p.snapshots) - 1
	}
	return p.snapshots[idx]
}

func (p *fakePage) HTML(context.Context) (string, error) {
	if p.htmlErr != nil {
		return "", p.htmlErr
	}
	p.calls++
	return p.current(), nil
}

func (p *fakePage) CardCount(context.Context) (int, error) {
	return strings.Count(p.current(), "<article"), nil
}

func (p *fakePage) ScrollLastCard(context.Context, time.Duration) error {
	p.lastCard++
	return p.scrollErr
}

func (p *fakePage) ScrollViewport(context.Context, float64) error {
	p.viewport++
	return nil
}

func (p *fakePage) ScrollPixels(context.Context, int) error {
	p.pixels++
	return nil
}

func (p *fakePage) WaitNetworkIdle(context.Context, time.Duration) error {
	p.idleWaits++
	return errNetworkBusy
}

func cards(ids ...int) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, id := range ids {
		fmt.Fprintf(&b, `<article class="kt-post-card"><a class="kt-post-card__action" href="/v/car/%d">`+
			`<h2 class="kt-post-card__title">car %d</h2>`+
			`<div class="kt-post-card__description">%d کیلومتر</div>`+
			`<div class="kt-post-card__description">%d,000 تومان</div></a></article>`, id, id, id*1000, id)
	}
	b.WriteString("</body></html>")
	return b.String()
}

type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func newLoop(t *testing.T, cfg Config, clock func() time.Time) *collectLoop {
	t.Helper()
	parser, err := listing.NewCardParser("https://divar.ir")
	require.NoError(t, err)
	return &collectLoop{
		cfg:    cfg,
		parser: parser,
		now:    clock,
		sleep:  func(context.Context, time.Duration) error { return nil },
		logger: zap.NewNop(),
	}
}

func TestCollectLoopStopsAfterStallRounds(t *testing.T) {
	t.Parallel()

	p := &fakePage{snapshots: []string{
		cards(1, 2),
		cards(2, 3),
		cards(3, 4, 5),
	}}
	clock := &stepClock{t: time.Unix(0, 0), step: time.Millisecond}
	loop := newLoop(t, Config{StallRounds: 2, MaxDuration: time.Hour}, clock.now)

	rows, rounds, err := loop.run(context.Background(), p, "https://divar.ir/s/tehran/car")
	require.NoError(t, err)
	// three growing rounds, then two stalled ones
	require.Equal(t, 5, rounds)
	require.Len(t, rows, 5)

	var urls []string
	for _, r := range rows {
		urls = append(urls, r.URL)
	}
	require.Equal(t, []string{
		"https://divar.ir/v/car/1",
		"https://divar.ir/v/car/2",
		"https://divar.ir/v/car/3",
		"https://divar.ir/v/car/4",
		"https://divar.ir/v/car/5",
	}, urls)
	require.Equal(t, 4, p.lastCard)
	require.Equal(t, 4, p.idleWaits)
	require.Zero(t, p.viewport)
}

func TestCollectLoopFirstSeenWins(t *testing.T) {
	t.Parallel()

	first := cards(7)
	second := strings.Replace(cards(7), "car 7", "renamed", 1)
	p := &fakePage{snapshots: []string{first, second}}
	clock := &stepClock{t: time.Unix(0, 0), step: time.Millisecond}
	loop := newLoop(t, Config{StallRounds: 1, MaxDuration: time.Hour}, clock.now)

	rows, _, err := loop.run(context.Background(), p, "https://divar.ir/s/tehran/car")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "car 7", rows[0].Title)
}

func TestCollectLoopStopsAtMaxDuration(t *testing.T) {
	t.Parallel()

	var snapshots []string
	for i := 1; i <= 100; i++ {
		ids := make([]int, i)
		for j := range ids {
			ids[j] = j + 1
		}
		snapshots = append(snapshots, cards(ids...))
	}
	p := &fakePage{snapshots: snapshots}
	clock := &stepClock{t: time.Unix(0, 0), step: 10 * time.Second}
	loop := newLoop(t, Config{StallRounds: 6, MaxDuration: 45 * time.Second}, clock.now)

	_, rounds, err := loop.run(context.Background(), p, "https://divar.ir/s/tehran/car")
	require.NoError(t, err)
	require.Less(t, rounds, 10)
}

func TestCollectLoopScrollFallbacks(t *testing.T) {
	t.Parallel()

	t.Run("viewport when last card fails", func(t *testing.T) {
		t.Parallel()
		p := &fakePage{snapshots: []string{cards(1)}, scrollErr: errors.New("timeout")}
		clock := &stepClock{t: time.Unix(0, 0), step: time.Millisecond}
		loop := newLoop(t, Config{StallRounds: 2, MaxDuration: time.Hour}, clock.now)

		_, _, err := loop.run(context.Background(), p, "https://divar.ir/s")
		require.NoError(t, err)
		require.Equal(t, p.lastCard, p.viewport)
		require.Positive(t, p.viewport)
	})

	t.Run("pixels when no cards", func(t *testing.T) {
		t.Parallel()
		p := &fakePage{snapshots: []string{"<html><body></body></html>"}}
		clock := &stepClock{t: time.Unix(0, 0), step: time.Millisecond}
		loop := newLoop(t, Config{StallRounds: 3, MaxDuration: time.Hour}, clock.now)

		rows, rounds, err := loop.run(context.Background(), p, "https://divar.ir/s")
		require.NoError(t, err)
		require.Empty(t, rows)
		require.Equal(t, 3, rounds)
		require.Equal(t, 2, p.pixels)
		require.Zero(t, p.lastCard)
	})
}

func TestCollectLoopErrors(t *testing.T) {
	t.Parallel()

	p := &fakePage{snapshots: []string{cards(1)}, htmlErr: errors.New("target closed")}
	clock := &stepClock{t: time.Unix(0, 0), step: time.Millisecond}
	loop := newLoop(t, Config{StallRounds: 2, MaxDuration: time.Hour}, clock.now)
	_, _, err := loop.run(context.Background(), p, "https://divar.ir/s")
	require.ErrorContains(t, err, "target closed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop = newLoop(t, Config{StallRounds: 5, MaxDuration: time.Hour, Settle: time.Second}, clock.now)
	loop.sleep = sleepCtx
	_, _, err = loop.run(ctx, &fakePage{snapshots: []string{cards(1)}}, "https://divar.ir/s")
	require.ErrorIs(t, err, context.Canceled)
}
