package listing

import (
	"cmp"
	"slices"
)

// SortByPrice returns only the priced listings, cheapest first. Listings with
// equal prices keep their relative order.
func SortByPrice(rows []Listing) []Listing {
	priced := make([]Listing, 0, len(rows))
	for _, r := range rows {
		if r.HasPrice() {
			priced = append(priced, r)
		}
	}
	slices.SortStableFunc(priced, func(a, b Listing) int {
		return cmp.Compare(*a.Price, *b.Price)
	})
	return priced
}
