package listing

import (
	"context"
	"errors"
)

// ErrNoCards is returned by scrapers when a page yields no listing cards.
var ErrNoCards = errors.New("no listing cards found")

// Listing is one advertisement card as rendered on a Divar search page.
type Listing struct {
	Title     string `json:"title"`
	Price     *int64 `json:"price"`
	PriceText string `json:"price_text"`
	KM        *int64 `json:"km"`
	KMText    string `json:"km_text"`
	Bottom    string `json:"bottom"`
	Tag       string `json:"tag"`
	URL       string `json:"url"`
	Image     string `json:"image"`
}

// HasPrice reports whether the listing carries a numeric price.
func (l Listing) HasPrice() bool {
	return l.Price != nil
}

// Scraper collects every listing reachable from a search URL.
type Scraper interface {
	Scrape(ctx context.Context, url string) ([]Listing, error)
}

// Int64 returns a pointer to v; handy for building listings in tests and parsers.
func Int64(v int64) *int64 {
	return &v
}
