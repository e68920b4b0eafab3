package negotiation

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned when a session has already reached a terminal state.
	ErrSessionClosed = errors.New("negotiation session is closed")

	// ErrSessionExpired is returned for bids arriving after the negotiation window.
	ErrSessionExpired = errors.New("negotiation window has expired")

	// ErrNotExpired is returned when an expiry fires before the window has elapsed.
	ErrNotExpired = errors.New("negotiation window still open")

	// ErrNotCandidate is returned when a driver who was not notified tries to bid.
	ErrNotCandidate = errors.New("driver is not a candidate for this request")

	// ErrDriverDeclined is returned when a driver bids after declining.
	ErrDriverDeclined = errors.New("driver already declined this request")

	// ErrMaxOffersExceeded is returned when a driver has used up their bids.
	ErrMaxOffersExceeded = errors.New("maximum offers per driver exceeded")

	// ErrInvalidBidPrice is returned for offers outside the allowed band.
	ErrInvalidBidPrice = errors.New("offered price out of range")

	// ErrInvalidBidKind is returned for an unknown bid kind or actor.
	ErrInvalidBidKind = errors.New("invalid bid kind")

	// ErrNoLiveOffer is returned when the client accepts a driver without a standing offer.
	ErrNoLiveOffer = errors.New("driver has no live offer")
)

// PriceError describes a rejected offer and the band it had to fall into.
type PriceError struct {
	Offered int64
	Min     int64
	Max     int64
}

func (e *PriceError) Error() string {
	if e.Offered < e.Min {
		return fmt.Sprintf("offered price %d is below the minimum %d", e.Offered, e.Min)
	}
	return fmt.Sprintf("offered price %d is above the maximum %d", e.Offered, e.Max)
}

func (e *PriceError) Unwrap() error { return ErrInvalidBidPrice }
