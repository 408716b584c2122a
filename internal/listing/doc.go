// Package listing holds the Divar car-listing model together with the pure
// functions that turn scraped HTML into rows: digit normalization, price and
// mileage parsing, card extraction, de-duplication, low-price outlier removal
// and price ordering. Nothing in this package performs I/O.
package listing
