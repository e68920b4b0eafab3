package postgres

import (
	"context"
	"database/sql"

	"dispatchd/internal/domain"
)

// BidRepository is a PostgreSQL implementation of repository.BidRepository.
type BidRepository struct {
	q Querier
}

// NewBidRepository creates a new PostgreSQL bid repository.
func NewBidRepository(db *sql.DB) *BidRepository {
	return &BidRepository{q: db}
}

// Append stores a bid. Retried appends of the same id are ignored.
func (r *BidRepository) Append(ctx context.Context, bid *domain.Bid) error {
	query := `
		INSERT INTO bids (id, request_id, driver_id, actor, kind, offered_price, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.q.ExecContext(ctx, query,
		bid.ID,
		bid.RequestID,
		bid.DriverID,
		bid.Actor,
		bid.Kind,
		bid.OfferedPrice,
		bid.SubmittedAt,
	)
	return mapError(err)
}

// ListByRequest returns a request's bids in submission order.
func (r *BidRepository) ListByRequest(ctx context.Context, requestID string) ([]*domain.Bid, error) {
	query := `
		SELECT id, request_id, driver_id, actor, kind, offered_price, submitted_at
		FROM bids WHERE request_id = $1
		ORDER BY submitted_at, id
	`
	rows, err := r.q.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []*domain.Bid
	for rows.Next() {
		var b domain.Bid
		if err := rows.Scan(&b.ID, &b.RequestID, &b.DriverID, &b.Actor, &b.Kind, &b.OfferedPrice, &b.SubmittedAt); err != nil {
			return nil, err
		}
		bids = append(bids, &b)
	}
	return bids, rows.Err()
}
