package repository

import (
	"context"

	"dispatchd/internal/domain"
)

// AssignmentRepository persists the outcome of a successful negotiation.
type AssignmentRepository interface {
	// Create stores the assignment and the matched request in one unit of work.
	// It returns ErrAlreadyExists if the request already has an assignment.
	Create(ctx context.Context, a *domain.Assignment, req *domain.Request) error

	// GetByRequestID retrieves the assignment of a request.
	GetByRequestID(ctx context.Context, requestID string) (*domain.Assignment, error)
}
