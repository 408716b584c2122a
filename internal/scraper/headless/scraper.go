// Package headless scrapes Divar search pages with headless Chrome, scrolling
// until the infinite list stops producing new cards.
package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/divar-listing-bot/internal/listing"
	"github.com/JakeFAU/divar-listing-bot/internal/metrics"
)

// Config controls the browser and the scroll loop.
type Config struct {
	BaseURL        string
	Headless       bool
	ExecPath       string
	NoSandbox      bool
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	MaxParallel    int

	MaxDuration      time.Duration
	StallRounds      int
	NetworkIdle      time.Duration
	Settle           time.Duration
	FirstCardTimeout time.Duration
	ScrollTimeout    time.Duration
}

// Limiter delays requests per domain.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Scraper implements listing.Scraper on top of chromedp.
type Scraper struct {
	cfg         Config
	parser      *listing.CardParser
	limiter     Limiter
	logger      *zap.Logger
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ listing.Scraper = (*Scraper)(nil)

// New builds a Scraper and its exec allocator. Chrome is not started until the
// first Scrape call.
func New(cfg Config, limiter Limiter, logger *zap.Logger) (*Scraper, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		return nil, fmt.Errorf("viewport must be positive, got %dx%d", cfg.ViewportWidth, cfg.ViewportHeight)
	}
	parser, err := listing.NewCardParser(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return &Scraper{
		cfg:         cfg,
		parser:      parser,
		limiter:     limiter,
		logger:      logger,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.Locale != "" {
		opts = append(opts, chromedp.Flag("lang", cfg.Locale))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Close shuts down the browser allocator.
func (s *Scraper) Close() {
	s.allocCancel()
}

// Scrape opens url in a fresh tab and scrolls until no new listings appear.
func (s *Scraper) Scrape(ctx context.Context, url string) ([]listing.Listing, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, url); err != nil {
			return nil, err
		}
	}

	// Tabs derive from the allocator, not ctx; carry the caller's span over.
	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()
	taskCtx = inheritSpan(taskCtx, ctx)
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.hardTimeout())
	defer cancel()

	idle := newIdleTracker(time.Now)
	chromedp.ListenTarget(taskCtx, idle.handle)

	start := time.Now()
	if err := chromedp.Run(taskCtx, s.setupAction(), chromedp.Navigate(url)); err != nil {
		return nil, wrapCtx(ctx, fmt.Errorf("navigate %s: %w", url, err))
	}
	if err := s.waitFirstCard(taskCtx); err != nil {
		return nil, wrapCtx(ctx, err)
	}

	loop := &collectLoop{
		cfg:    s.cfg,
		parser: s.parser,
		now:    time.Now,
		sleep:  sleepCtx,
		logger: s.logger.With(zap.String("url", url)),
	}
	rows, rounds, err := loop.run(taskCtx, &chromePage{idle: idle}, url)
	metrics.ObserveScrollRounds(rounds)
	metrics.ObserveScrapeDuration("browser", time.Since(start))
	if err != nil {
		return nil, wrapCtx(ctx, err)
	}
	s.logger.Info("browser scrape finished",
		zap.String("url", url),
		zap.Int("rounds", rounds),
		zap.Int("listings", len(rows)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rows, nil
}

func (s *Scraper) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		err := emulation.SetDeviceMetricsOverride(int64(s.cfg.ViewportWidth), int64(s.cfg.ViewportHeight), 1, false).Do(ctx)
		if err != nil {
			return fmt.Errorf("set device metrics: %w", err)
		}
		if s.cfg.Locale != "" {
			if err := emulation.SetLocaleOverride().WithLocale(s.cfg.Locale).Do(ctx); err != nil {
				return fmt.Errorf("set locale: %w", err)
			}
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *Scraper) waitFirstCard(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.FirstCardTimeout)
	defer cancel()
	err := chromedp.Run(waitCtx, chromedp.WaitReady(listing.CardSelector, chromedp.ByQuery))
	if err == nil {
		return nil
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w within %s", listing.ErrNoCards, s.cfg.FirstCardTimeout)
	}
	return fmt.Errorf("wait for first card: %w", err)
}

// hardTimeout bounds a whole tab so a wedged browser cannot hold a slot forever.
func (s *Scraper) hardTimeout() time.Duration {
	return s.cfg.MaxDuration + s.cfg.FirstCardTimeout + time.Minute
}

func (s *Scraper) acquire(ctx context.Context) error {
	if s.slots == nil {
		return nil
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (s *Scraper) release() {
	if s.slots == nil {
		return
	}
	select {
	case <-s.slots:
	default:
	}
}

// wrapCtx prefers the caller's context error so cancellation is reported as such.
func wrapCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("settle: %w", ctx.Err())
	}
}

func inheritSpan(dst, src context.Context) context.Context {
	span := trace.SpanFromContext(src)
	if !span.SpanContext().IsValid() {
		return dst
	}
	return trace.ContextWithSpan(dst, span)
}
