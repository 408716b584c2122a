package headless

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/divar-listing-bot/internal/listing"
)

// noCardScrollPx is how far the window moves when the page has no cards yet.
const noCardScrollPx = 400

// viewportScrollFraction is used when the last card cannot be scrolled into view.
const viewportScrollFraction = 0.9

// page is the slice of browser behavior the collect loop depends on.
type page interface {
	HTML(ctx context.Context) (string, error)
	CardCount(ctx context.Context) (int, error)
	ScrollLastCard(ctx context.Context, timeout time.Duration) error
	ScrollViewport(ctx context.Context, fraction float64) error
	ScrollPixels(ctx context.Context, px int) error
	WaitNetworkIdle(ctx context.Context, timeout time.Duration) error
}

type collectLoop struct {
	cfg    Config
	parser *listing.CardParser
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	logger *zap.Logger
}

// run snapshots, merges and scrolls until the collection stalls or time runs out.
// It returns the listings in first-seen order and the number of rounds taken.
func (l *collectLoop) run(ctx context.Context, p page, pageURL string) ([]listing.Listing, int, error) {
	collector := listing.NewCollector()
	start := l.now()
	stall, prev, rounds := 0, 0, 0

	for {
		rounds++
		html, err := p.HTML(ctx)
		if err != nil {
			return nil, rounds, fmt.Errorf("snapshot page: %w", err)
		}
		batch, err := l.parser.ParseHTML(html, pageURL)
		if err != nil {
			return nil, rounds, err
		}
		collector.Add(batch)

		cards, err := p.CardCount(ctx)
		if err != nil {
			return nil, rounds, fmt.Errorf("count cards: %w", err)
		}

		if collector.Len() == prev {
			stall++
		} else {
			stall = 0
		}
		if stall >= l.cfg.StallRounds || l.now().Sub(start) > l.cfg.MaxDuration {
			break
		}

		if cards > 0 {
			if err := p.ScrollLastCard(ctx, l.cfg.ScrollTimeout); err != nil {
				l.logger.Debug("scroll into view failed, scrolling viewport", zap.Error(err))
				if err := p.ScrollViewport(ctx, viewportScrollFraction); err != nil {
					return nil, rounds, fmt.Errorf("scroll viewport: %w", err)
				}
			}
		} else if err := p.ScrollPixels(ctx, noCardScrollPx); err != nil {
			return nil, rounds, fmt.Errorf("scroll window: %w", err)
		}

		// An idle timeout is expected on pages that keep polling.
		_ = p.WaitNetworkIdle(ctx, l.cfg.NetworkIdle)

		if err := l.sleep(ctx, l.cfg.Settle); err != nil {
			return nil, rounds, err
		}
		prev = collector.Len()
		l.logger.Debug("scroll round", zap.Int("round", rounds), zap.Int("listings", prev), zap.Int("stall", stall))
	}
	return collector.Listings(), rounds, nil
}
