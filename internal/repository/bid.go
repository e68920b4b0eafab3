package repository

import (
	"context"

	"dispatchd/internal/domain"
)

// BidRepository is the append-only bid log.
type BidRepository interface {
	// Append stores a bid. Appending the same bid id twice is a no-op.
	Append(ctx context.Context, bid *domain.Bid) error

	// ListByRequest returns the bids of a request in submission order.
	ListByRequest(ctx context.Context, requestID string) ([]*domain.Bid, error)
}
