package domain

import "time"

// RequestKind distinguishes passenger rides from parcel deliveries.
type RequestKind string

const (
	RequestKindRide     RequestKind = "ride"
	RequestKindDelivery RequestKind = "delivery"
)

// Valid reports whether k is a known request kind.
func (k RequestKind) Valid() bool {
	return k == RequestKindRide || k == RequestKindDelivery
}

// MaxProposedPrice caps a client's proposal in minor currency units.
// Offers can reach twice this, and fee arithmetic stays within int64.
const MaxProposedPrice int64 = 1_000_000_000_000

// RequestStatus represents the lifecycle position of a request.
type RequestStatus string

const (
	RequestStatusPending     RequestStatus = "pending"
	RequestStatusNegotiating RequestStatus = "negotiating"
	RequestStatusMatched     RequestStatus = "matched"
	RequestStatusExpired     RequestStatus = "expired"
	RequestStatusFailed      RequestStatus = "failed"
	RequestStatusCancelled   RequestStatus = "cancelled"
)

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinates are within range.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// Request is a client's demand for a ride or delivery.
// Prices are integer amounts in the smallest currency unit.
type Request struct {
	ID            string
	ClientID      string
	Kind          RequestKind
	VehicleClass  VehicleClass // empty matches any class
	Origin        Location
	Destination   *Location
	ProposedPrice int64
	Status        RequestStatus
	AttemptCount  int
	RetryEligible bool
	LastAttemptAt time.Time
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsTerminal reports whether no further dispatch can happen for the request.
func (r *Request) IsTerminal() bool {
	switch r.Status {
	case RequestStatusMatched, RequestStatusFailed, RequestStatusCancelled:
		return true
	case RequestStatusExpired:
		return !r.RetryEligible
	}
	return false
}

// AwaitingRetry reports whether the request is parked for the retry scheduler.
func (r *Request) AwaitingRetry() bool {
	if !r.RetryEligible {
		return false
	}
	return r.Status == RequestStatusPending || r.Status == RequestStatusExpired
}
