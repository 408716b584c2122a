package listing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortByPrice(t *testing.T) {
	t.Parallel()

	rows := []Listing{
		priced("c", 300),
		{URL: "none"},
		priced("a1", 100),
		priced("b", 200),
		priced("a2", 100),
	}
	sorted := SortByPrice(rows)

	urls := make([]string, 0, len(sorted))
	for _, r := range sorted {
		urls = append(urls, r.URL)
	}
	require.Equal(t, []string{"a1", "a2", "b", "c"}, urls)
	require.Equal(t, "c", rows[0].URL, "input must not be reordered")
}

func TestSortByPriceEmpty(t *testing.T) {
	t.Parallel()

	require.Empty(t, SortByPrice(nil))
}
