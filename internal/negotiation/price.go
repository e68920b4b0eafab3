package negotiation

import "math"

// Offers must lie between 80% and 200% of the client's proposal.
const (
	minPricePercent = 80
	maxPricePercent = 200
)

// PriceBounds returns the inclusive offer band for a proposed price.
// The lower bound is rounded up so that it never admits a price below 80%.
// The upper bound saturates at math.MaxInt64.
func PriceBounds(proposed int64) (lo, hi int64) {
	q, r := proposed/100, proposed%100
	lo = q*minPricePercent + (r*minPricePercent+99)/100
	if lo < 1 {
		lo = 1
	}
	if proposed > math.MaxInt64/2 {
		return lo, math.MaxInt64
	}
	return lo, proposed * maxPricePercent / 100
}

// ValidatePrice checks an offered price against the band for proposed.
func ValidatePrice(proposed, offered int64) error {
	lo, hi := PriceBounds(proposed)
	if offered < lo || offered > hi {
		return &PriceError{Offered: offered, Min: lo, Max: hi}
	}
	return nil
}
