package postgres

import (
	"context"
	"database/sql"

	"dispatchd/internal/domain"
)

// AssignmentRepository is a PostgreSQL implementation of repository.AssignmentRepository.
type AssignmentRepository struct {
	db *sql.DB
}

// NewAssignmentRepository creates a new PostgreSQL assignment repository.
func NewAssignmentRepository(db *sql.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// Create inserts the assignment and marks the request matched atomically.
func (r *AssignmentRepository) Create(ctx context.Context, a *domain.Assignment, req *domain.Request) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO assignments (request_id, driver_id, final_price, platform_fee, partner_fee, driver_net, partner_id, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = tx.ExecContext(ctx, query,
		a.RequestID,
		a.DriverID,
		a.FinalPrice,
		a.Split.PlatformFee,
		a.Split.PartnerFee,
		a.Split.DriverNet,
		nullString(a.Split.PartnerID),
		a.AssignedAt,
	)
	if err != nil {
		return mapError(err)
	}

	// Request status moves in the same transaction.
	if err = NewRequestRepositoryWithTx(tx).Update(ctx, req); err != nil {
		return err
	}

	return tx.Commit()
}

// GetByRequestID retrieves the assignment of a request.
func (r *AssignmentRepository) GetByRequestID(ctx context.Context, requestID string) (*domain.Assignment, error) {
	query := `
		SELECT request_id, driver_id, final_price, platform_fee, partner_fee, driver_net, partner_id, assigned_at
		FROM assignments WHERE request_id = $1
	`

	var a domain.Assignment
	var partnerID sql.NullString
	err := r.db.QueryRowContext(ctx, query, requestID).Scan(
		&a.RequestID,
		&a.DriverID,
		&a.FinalPrice,
		&a.Split.PlatformFee,
		&a.Split.PartnerFee,
		&a.Split.DriverNet,
		&partnerID,
		&a.AssignedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	a.Split.Gross = a.FinalPrice
	if partnerID.Valid {
		a.Split.PartnerID = partnerID.String
	}
	return &a, nil
}
