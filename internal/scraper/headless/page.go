package headless

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/divar-listing-bot/internal/listing"
)

var errNoLastCard = errors.New("no card to scroll to")

var (
	countCardsJS = `document.querySelectorAll(` + strconv.Quote(listing.CardSelector) + `).length`
	lastCardJS   = `(() => {
  const cards = document.querySelectorAll(` + strconv.Quote(listing.CardSelector) + `);
  if (!cards.length) return false;
  cards[cards.length - 1].scrollIntoView({block: "end"});
  return true;
})()`
)

// chromePage drives the tab bound to the context passed to each method.
type chromePage struct {
	idle *idleTracker
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("outer html: %w", err)
	}
	return html, nil
}

func (p *chromePage) CardCount(ctx context.Context) (int, error) {
	var n int
	if err := chromedp.Run(ctx, chromedp.Evaluate(countCardsJS, &n)); err != nil {
		return 0, fmt.Errorf("evaluate card count: %w", err)
	}
	return n, nil
}

func (p *chromePage) ScrollLastCard(ctx context.Context, timeout time.Duration) error {
	scrollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var ok bool
	if err := chromedp.Run(scrollCtx, chromedp.Evaluate(lastCardJS, &ok)); err != nil {
		return fmt.Errorf("scroll last card: %w", err)
	}
	if !ok {
		return errNoLastCard
	}
	return nil
}

func (p *chromePage) ScrollViewport(ctx context.Context, fraction float64) error {
	js := fmt.Sprintf(`window.scrollBy(0, Math.floor(window.innerHeight * %g)); true`, fraction)
	var ok bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(js, &ok)); err != nil {
		return fmt.Errorf("scroll viewport: %w", err)
	}
	return nil
}

func (p *chromePage) ScrollPixels(ctx context.Context, px int) error {
	js := fmt.Sprintf(`window.scrollBy(0, %d); true`, px)
	var ok bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(js, &ok)); err != nil {
		return fmt.Errorf("scroll window: %w", err)
	}
	return nil
}

func (p *chromePage) WaitNetworkIdle(ctx context.Context, timeout time.Duration) error {
	return p.idle.wait(ctx, timeout)
}
