package listing

import (
	"strconv"
	"strings"
)

var digitReplacer = strings.NewReplacer(
	// Persian (Extended Arabic-Indic) digits.
	"۰", "0", "۱", "1", "۲", "2", "۳", "3", "۴", "4",
	"۵", "5", "۶", "6", "۷", "7", "۸", "8", "۹", "9",
	// Arabic-Indic digits.
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
)

// Price markers Divar shows instead of a number.
var noPriceMarkers = []string{
	"توافقی",    // negotiable
	"بدون قیمت", // no price
	"تماس",      // call
}

// NormalizeDigits maps Persian and Arabic-Indic digits to ASCII and trims the result.
func NormalizeDigits(s string) string {
	return strings.TrimSpace(digitReplacer.Replace(s))
}

// ParseInt extracts the integer written in text, ignoring separators, units
// and any other non-digit runes. It reports false when no digits remain or the
// value does not fit in an int64.
func ParseInt(text string) (int64, bool) {
	if text == "" {
		return 0, false
	}
	normalized := NormalizeDigits(text)
	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParsePrice is ParseInt with Divar's "negotiable"/"call" labels mapped to no price.
func ParsePrice(text string) (int64, bool) {
	if text == "" {
		return 0, false
	}
	for _, marker := range noPriceMarkers {
		if strings.Contains(text, marker) {
			return 0, false
		}
	}
	return ParseInt(text)
}

func optionalInt(text string, parse func(string) (int64, bool)) *int64 {
	v, ok := parse(text)
	if !ok {
		return nil
	}
	return Int64(v)
}
