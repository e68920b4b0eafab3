package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"dispatchd/internal/domain"
	"dispatchd/internal/repository"
)

// RequestRepository is a PostgreSQL implementation of repository.RequestRepository.
type RequestRepository struct {
	q Querier
}

// NewRequestRepository creates a new PostgreSQL request repository.
func NewRequestRepository(db *sql.DB) *RequestRepository {
	return &RequestRepository{q: db}
}

// NewRequestRepositoryWithTx creates a request repository using a transaction.
func NewRequestRepositoryWithTx(tx *sql.Tx) *RequestRepository {
	return &RequestRepository{q: tx}
}

const requestColumns = `id, client_id, kind, vehicle_class, origin_lat, origin_lng, destination_lat, destination_lng,
	proposed_price, status, attempt_count, retry_eligible, last_attempt_at, failure_reason, created_at, updated_at`

// Create persists a new request.
func (r *RequestRepository) Create(ctx context.Context, req *domain.Request) error {
	query := `INSERT INTO dispatch_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	destLat, destLng := nullDestination(req.Destination)

	_, err := r.q.ExecContext(ctx, query,
		req.ID,
		req.ClientID,
		req.Kind,
		req.VehicleClass,
		req.Origin.Lat,
		req.Origin.Lng,
		destLat,
		destLng,
		req.ProposedPrice,
		req.Status,
		req.AttemptCount,
		req.RetryEligible,
		nullTime(req.LastAttemptAt),
		nullString(req.FailureReason),
		req.CreatedAt,
		req.UpdatedAt,
	)
	return mapError(err)
}

// GetByID retrieves a request by ID.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM dispatch_requests WHERE id = $1`

	req, err := scanRequest(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return req, nil
}

// Update overwrites the mutable fields of a request.
func (r *RequestRepository) Update(ctx context.Context, req *domain.Request) error {
	query := `
		UPDATE dispatch_requests
		SET status = $2, attempt_count = $3, retry_eligible = $4, last_attempt_at = $5,
			failure_reason = $6, updated_at = $7
		WHERE id = $1
	`

	result, err := r.q.ExecContext(ctx, query,
		req.ID,
		req.Status,
		req.AttemptCount,
		req.RetryEligible,
		nullTime(req.LastAttemptAt),
		nullString(req.FailureReason),
		req.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListRetryEligible returns parked requests last attempted at or before the cutoff.
func (r *RequestRepository) ListRetryEligible(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Request, error) {
	query := `SELECT ` + requestColumns + `
		FROM dispatch_requests
		WHERE retry_eligible AND status = ANY($1) AND last_attempt_at <= $2
		ORDER BY last_attempt_at
		LIMIT $3`

	statuses := pq.Array([]string{string(domain.RequestStatusPending), string(domain.RequestStatusExpired)})
	rows, err := r.q.QueryContext(ctx, query, statuses, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.Request, error) {
	var req domain.Request
	var destLat, destLng sql.NullFloat64
	var lastAttempt sql.NullTime
	var failure sql.NullString

	err := row.Scan(
		&req.ID,
		&req.ClientID,
		&req.Kind,
		&req.VehicleClass,
		&req.Origin.Lat,
		&req.Origin.Lng,
		&destLat,
		&destLng,
		&req.ProposedPrice,
		&req.Status,
		&req.AttemptCount,
		&req.RetryEligible,
		&lastAttempt,
		&failure,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if destLat.Valid && destLng.Valid {
		req.Destination = &domain.Location{Lat: destLat.Float64, Lng: destLng.Float64}
	}
	if lastAttempt.Valid {
		req.LastAttemptAt = lastAttempt.Time
	}
	if failure.Valid {
		req.FailureReason = failure.String
	}
	return &req, nil
}

func nullDestination(loc *domain.Location) (sql.NullFloat64, sql.NullFloat64) {
	if loc == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: loc.Lat, Valid: true}, sql.NullFloat64{Float64: loc.Lng, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
