package static

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/divar-listing-bot/internal/listing"
)

const page = `<html><body>
<article class="kt-post-card"><a class="kt-post-card__action" href="/v/a/1">
  <h2 class="kt-post-card__title">پراید</h2>
  <div class="kt-post-card__description">۱۰۰ کیلومتر</div>
  <div class="kt-post-card__description">۲۰۰,۰۰۰ تومان</div>
</a></article>
<article class="kt-post-card"><a class="kt-post-card__action" href="/v/a/1">
  <h2 class="kt-post-card__title">duplicate</h2>
</a></article>
<article class="kt-post-card"><a class="kt-post-card__action" href="/v/b/2">
  <h2 class="kt-post-card__title">پژو</h2>
  <div class="kt-post-card__description">کارکرد صفر</div>
  <div class="kt-post-card__description">توافقی</div>
</a></article>
</body></html>`

type countingLimiter struct{ calls int }

func (l *countingLimiter) Wait(context.Context, string) error {
	l.calls++
	return nil
}

func newServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.UserAgent() != "divarbot-test" {
			http.Error(w, "missing user agent", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestScrape(t *testing.T) {
	t.Parallel()

	srv := newServer(t, http.StatusOK, page)
	lim := &countingLimiter{}
	s, err := New(Config{BaseURL: "https://divar.ir", UserAgent: "divarbot-test", Timeout: time.Second}, lim, nil)
	require.NoError(t, err)

	rows, err := s.Scrape(context.Background(), srv.URL+"/s/tehran/car")
	require.NoError(t, err)
	require.Equal(t, 1, lim.calls)
	require.Len(t, rows, 2)
	require.Equal(t, "پراید", rows[0].Title)
	require.Equal(t, "https://divar.ir/v/a/1", rows[0].URL)
	require.Equal(t, int64(200000), *rows[0].Price)
	require.Nil(t, rows[1].Price)
}

func TestScrapeNoCards(t *testing.T) {
	t.Parallel()

	srv := newServer(t, http.StatusOK, "<html><body>empty</body></html>")
	s, err := New(Config{BaseURL: "https://divar.ir", UserAgent: "divarbot-test"}, nil, nil)
	require.NoError(t, err)

	_, err = s.Scrape(context.Background(), srv.URL)
	require.ErrorIs(t, err, listing.ErrNoCards)
}

func TestScrapeHTTPError(t *testing.T) {
	t.Parallel()

	srv := newServer(t, http.StatusForbidden, "blocked")
	s, err := New(Config{BaseURL: "https://divar.ir", UserAgent: "divarbot-test"}, nil, nil)
	require.NoError(t, err)

	_, err = s.Scrape(context.Background(), srv.URL)
	require.ErrorContains(t, err, "403")
}

func TestScrapeCanceled(t *testing.T) {
	t.Parallel()

	srv := newServer(t, http.StatusOK, page)
	s, err := New(Config{BaseURL: "https://divar.ir", UserAgent: "divarbot-test"}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Scrape(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsRelativeBase(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: "/relative"}, nil, nil)
	require.Error(t, err)
}
