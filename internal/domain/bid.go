package domain

import "time"

// BidKind represents what a bid does to the negotiation.
type BidKind string

const (
	BidKindCounterOffer BidKind = "counter_offer"
	BidKindAccept       BidKind = "accept"
	BidKindDecline      BidKind = "decline"
)

// Valid reports whether k is a known bid kind.
func (k BidKind) Valid() bool {
	switch k {
	case BidKindCounterOffer, BidKindAccept, BidKindDecline:
		return true
	}
	return false
}

// BidActor identifies who placed a bid.
type BidActor string

const (
	BidActorDriver BidActor = "driver"
	BidActorClient BidActor = "client"
)

// Bid is one immutable entry in a request's negotiation history.
// For client bids DriverID names the driver whose offer was accepted.
type Bid struct {
	ID           string
	RequestID    string
	DriverID     string
	Actor        BidActor
	Kind         BidKind
	OfferedPrice int64
	SubmittedAt  time.Time
}

// IsOffer reports whether the bid carries a price the client can accept.
func (b Bid) IsOffer() bool {
	return b.Actor == BidActorDriver && (b.Kind == BidKindCounterOffer || b.Kind == BidKindAccept)
}
