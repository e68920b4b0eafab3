package repository

import (
	"context"
	"time"

	"dispatchd/internal/domain"
)

// RequestRepository defines the persistence operations for dispatch requests.
type RequestRepository interface {
	// Create persists a new request.
	Create(ctx context.Context, req *domain.Request) error

	// GetByID retrieves a request by ID.
	GetByID(ctx context.Context, id string) (*domain.Request, error)

	// Update overwrites the mutable fields of an existing request.
	Update(ctx context.Context, req *domain.Request) error

	// ListRetryEligible returns requests parked for retry whose last
	// dispatch attempt happened at or before cutoff, oldest first.
	ListRetryEligible(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Request, error)
}
