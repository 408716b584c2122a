// Package static scrapes the server-rendered first page of a Divar search
// with colly. It needs no browser but cannot follow the infinite scroll.
package static

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/divar-listing-bot/internal/listing"
	"github.com/JakeFAU/divar-listing-bot/internal/metrics"
)

// Config controls the HTTP fetch.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Limiter delays requests per domain.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Scraper implements listing.Scraper with a single colly visit.
type Scraper struct {
	cfg       Config
	parser    *listing.CardParser
	limiter   Limiter
	logger    *zap.Logger
	transport http.RoundTripper
}

var _ listing.Scraper = (*Scraper)(nil)

// New builds a Scraper.
func New(cfg Config, limiter Limiter, logger *zap.Logger) (*Scraper, error) {
	parser, err := listing.NewCardParser(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{
		cfg:       cfg,
		parser:    parser,
		limiter:   limiter,
		logger:    logger,
		transport: newHTTPTransport(),
	}, nil
}

// Scrape fetches url once and extracts its listing cards.
func (s *Scraper) Scrape(ctx context.Context, url string) ([]listing.Listing, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, url); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	body, finalURL, err := s.fetch(ctx, url)
	metrics.ObserveScrapeDuration("static", time.Since(start))
	if err != nil {
		return nil, err
	}

	rows, err := s.parser.Parse(bytes.NewReader(body), finalURL)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w", url, listing.ErrNoCards)
	}
	collector := listing.NewCollector()
	collector.Add(rows)
	rows = collector.Listings()
	s.logger.Info("static scrape finished",
		zap.String("url", url),
		zap.Int("listings", len(rows)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rows, nil
}

func (s *Scraper) fetch(ctx context.Context, url string) ([]byte, string, error) {
	var (
		body     []byte
		finalURL = url
		fetchErr error
	)
	c := colly.NewCollector(colly.StdlibContext(ctx), colly.Async(false))
	c.WithTransport(s.transport)
	c.SetRequestTimeout(s.cfg.Timeout)
	c.IgnoreRobotsTxt = true
	if s.cfg.UserAgent != "" {
		c.UserAgent = s.cfg.UserAgent
	}

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", "fa-IR,fa;q=0.9")
	})
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
		finalURL = r.Request.URL.String()
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("unexpected status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	if err := c.Visit(url); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", fmt.Errorf("colly fetch canceled: %w", ctxErr)
		}
		return nil, "", fmt.Errorf("colly visit %s: %w", url, fetchErr)
	}
	return body, finalURL, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
