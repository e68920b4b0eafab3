package commission

import (
	"context"
	"fmt"

	"dispatchd/internal/domain"
)

// Rates is the pair of commission fractions applied to one request kind.
type Rates struct {
	Platform float64 `koanf:"platform"`
	Partner  float64 `koanf:"partner"`
}

// RateTable resolves commission rates by request kind.
type RateTable map[domain.RequestKind]Rates

// DefaultRateTable returns the built-in rates: rides 15% platform,
// deliveries 25% platform plus 5% to the delivery partner.
func DefaultRateTable() RateTable {
	return RateTable{
		domain.RequestKindRide:     {Platform: 0.15},
		domain.RequestKindDelivery: {Platform: 0.25, Partner: 0.05},
	}
}

// Resolve returns the rates for kind. The partner share is zeroed when the
// driver has no partner attached.
func (t RateTable) Resolve(kind domain.RequestKind, hasPartner bool) (Rates, error) {
	r, ok := t[kind]
	if !ok {
		return Rates{}, fmt.Errorf("%w: no rates for kind %q", ErrInvalidRate, kind)
	}
	if !hasPartner {
		r.Partner = 0
	}
	return r, nil
}

// Validate checks every entry of the table.
func (t RateTable) Validate() error {
	for kind, r := range t {
		if _, err := Split(ppm, r.Platform, r.Partner); err != nil {
			return fmt.Errorf("rates for %s: %w", kind, err)
		}
	}
	return nil
}

// PartnerDirectory tells which fleet partner, if any, a driver belongs to.
type PartnerDirectory interface {
	PartnerFor(ctx context.Context, driverID string) (partnerID string, ok bool, err error)
}

// StaticPartners is a PartnerDirectory backed by a fixed driver to partner table.
type StaticPartners map[string]string

// PartnerFor implements PartnerDirectory.
func (s StaticPartners) PartnerFor(_ context.Context, driverID string) (string, bool, error) {
	p, ok := s[driverID]
	return p, ok && p != "", nil
}
