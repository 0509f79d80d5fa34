package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"raffler/database"
	"raffler/domain/entities"
	"raffler/domain/interfaces"
)

// DeferredCreditRepository implements interfaces.DeferredCreditRepository
type DeferredCreditRepository struct {
	q Queryable
}

// NewDeferredCreditRepository creates a new deferred credit repository on the pool
func NewDeferredCreditRepository(db *database.DB) *DeferredCreditRepository {
	return &DeferredCreditRepository{q: db.Pool}
}

func newDeferredCreditRepositoryWithTx(tx Queryable) interfaces.DeferredCreditRepository {
	return &DeferredCreditRepository{q: tx}
}

// Create stores a deferred credit. Returns false if the request id was already stored.
func (r *DeferredCreditRepository) Create(ctx context.Context, credit *entities.DeferredCredit) (bool, error) {
	query := `
		INSERT INTO deferred_credits (request_id, account_id, payload, not_before)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING created_at
	`

	err := r.q.QueryRow(ctx, query,
		credit.RequestID,
		credit.AccountID,
		credit.Request,
		credit.NotBefore,
	).Scan(&credit.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to store deferred credit %s: %w", credit.RequestID, err)
	}

	return true, nil
}

// GetByRequestID returns the stored credit, or nil if none exists
func (r *DeferredCreditRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*entities.DeferredCredit, error) {
	query := `
		SELECT request_id, account_id, payload, not_before, dispatched_at, created_at
		FROM deferred_credits
		WHERE request_id = $1
	`

	var c entities.DeferredCredit
	err := r.q.QueryRow(ctx, query, requestID).Scan(&c.RequestID, &c.AccountID, &c.Request, &c.NotBefore, &c.DispatchedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deferred credit %s: %w", requestID, err)
	}

	return &c, nil
}

// ListDue returns undispatched credits due at or before now, earliest first
func (r *DeferredCreditRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*entities.DeferredCredit, error) {
	query := `
		SELECT request_id, account_id, payload, not_before, dispatched_at, created_at
		FROM deferred_credits
		WHERE dispatched_at IS NULL AND not_before <= $1
		ORDER BY not_before ASC, created_at ASC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due deferred credits: %w", err)
	}
	defer rows.Close()

	var credits []*entities.DeferredCredit
	for rows.Next() {
		var c entities.DeferredCredit
		if err := rows.Scan(&c.RequestID, &c.AccountID, &c.Request, &c.NotBefore, &c.DispatchedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deferred credit: %w", err)
		}
		credits = append(credits, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deferred credits: %w", err)
	}

	return credits, nil
}

// NextDue returns the earliest undispatched due time, or nil if nothing is pending
func (r *DeferredCreditRepository) NextDue(ctx context.Context) (*time.Time, error) {
	query := `SELECT MIN(not_before) FROM deferred_credits WHERE dispatched_at IS NULL`

	var next *time.Time
	if err := r.q.QueryRow(ctx, query).Scan(&next); err != nil {
		return nil, fmt.Errorf("failed to get next deferred credit: %w", err)
	}

	return next, nil
}

// MarkDispatched records that a credit was handed to the balance queue
func (r *DeferredCreditRepository) MarkDispatched(ctx context.Context, requestID uuid.UUID, at time.Time) error {
	query := `
		UPDATE deferred_credits
		SET dispatched_at = $2
		WHERE request_id = $1 AND dispatched_at IS NULL
	`

	if _, err := r.q.Exec(ctx, query, requestID, at); err != nil {
		return fmt.Errorf("failed to mark deferred credit %s dispatched: %w", requestID, err)
	}

	return nil
}
