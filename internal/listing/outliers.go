package listing

import (
	"math"
	"slices"
)

// MinPricedForOutliers is the smallest priced sample the IQR filter will act on.
const MinPricedForOutliers = 5

// OutlierStats describes what RemoveLowPriceOutliers did. The quartile fields
// are nil when the sample was too small to filter.
type OutlierStats struct {
	Dropped int      `json:"dropped"`
	Q1      *float64 `json:"q1"`
	Q3      *float64 `json:"q3"`
	IQR     *float64 `json:"iqr"`
	Cutoff  *float64 `json:"cutoff"`
}

// RemoveLowPriceOutliers drops listings priced below Q1 - factor*IQR.
// Listings without a price are always kept, and the input order is preserved.
func RemoveLowPriceOutliers(rows []Listing, factor float64) ([]Listing, OutlierStats) {
	prices := make([]float64, 0, len(rows))
	for _, r := range rows {
		if r.Price != nil {
			prices = append(prices, float64(*r.Price))
		}
	}
	if len(prices) < MinPricedForOutliers {
		return rows, OutlierStats{}
	}
	slices.Sort(prices)

	q1 := Quantile(prices, 0.25)
	q3 := Quantile(prices, 0.75)
	iqr := q3 - q1
	cutoff := q1 - factor*iqr

	kept := make([]Listing, 0, len(rows))
	for _, r := range rows {
		if r.Price == nil || float64(*r.Price) >= cutoff {
			kept = append(kept, r)
		}
	}
	return kept, OutlierStats{
		Dropped: len(rows) - len(kept),
		Q1:      &q1,
		Q3:      &q3,
		IQR:     &iqr,
		Cutoff:  &cutoff,
	}
}

// Quantile returns the q-th quantile of an ascending sample using linear
// interpolation between closest ranks (Hyndman & Fan type 7). It returns NaN
// for an empty sample.
func Quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi >= n {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
