// Package commission splits a negotiated price between the platform,
// an optional fleet partner and the driver.
package commission

import (
	"errors"
	"fmt"
	"math"

	"dispatchd/internal/domain"
)

// ErrInvalidRate is returned for rates that cannot produce a valid split.
var ErrInvalidRate = errors.New("invalid commission rate")

// Rates are expressed as fractions of the gross price.
// Internally they are carried as parts per million so that rounding is exact.
const ppm = 1_000_000

// Split computes the commission split for grossPrice.
//
// Each fee is rounded half-up to the smallest currency unit and the driver
// absorbs the residual, so the three parts always sum to grossPrice.
// Pass a zero partnerRate when no partner is attached.
func Split(grossPrice int64, platformRate, partnerRate float64) (domain.CommissionSplit, error) {
	if grossPrice <= 0 {
		return domain.CommissionSplit{}, fmt.Errorf("%w: gross price %d must be positive", ErrInvalidRate, grossPrice)
	}
	if platformRate < 0 || partnerRate < 0 || math.IsNaN(platformRate) || math.IsNaN(partnerRate) {
		return domain.CommissionSplit{}, fmt.Errorf("%w: rates must be non-negative", ErrInvalidRate)
	}
	if platformRate+partnerRate >= 1 {
		return domain.CommissionSplit{}, fmt.Errorf("%w: platform %.4f + partner %.4f must be below 1", ErrInvalidRate, platformRate, partnerRate)
	}

	platformPPM := toPPM(platformRate)
	partnerPPM := toPPM(partnerRate)
	// Sums just below 1 can still round up to a whole.
	if platformPPM+partnerPPM >= ppm {
		return domain.CommissionSplit{}, fmt.Errorf("%w: platform %.4f + partner %.4f must be below 1", ErrInvalidRate, platformRate, partnerRate)
	}

	platformFee := mulRoundHalfUp(grossPrice, platformPPM)
	partnerFee := mulRoundHalfUp(grossPrice, partnerPPM)

	return domain.CommissionSplit{
		Gross:       grossPrice,
		PlatformFee: platformFee,
		PartnerFee:  partnerFee,
		DriverNet:   grossPrice - platformFee - partnerFee,
	}, nil
}

func toPPM(rate float64) int64 {
	return int64(math.Round(rate * ppm))
}

// mulRoundHalfUp returns amount*rate/ppm rounded half-up. Amounts are positive
// and ratePPM is below ppm, so the result never exceeds amount.
func mulRoundHalfUp(amount, ratePPM int64) int64 {
	if ratePPM == 0 {
		return 0
	}
	q, r := amount/ppm, amount%ppm
	return q*ratePPM + (r*ratePPM+ppm/2)/ppm
}
