package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"raffler/database"
	"raffler/domain/entities"
	"raffler/domain/interfaces"
)

// BalanceHistoryRepository implements interfaces.BalanceHistoryRepository
type BalanceHistoryRepository struct {
	q Queryable
}

// NewBalanceHistoryRepository creates a new balance history repository on the pool
func NewBalanceHistoryRepository(db *database.DB) *BalanceHistoryRepository {
	return &BalanceHistoryRepository{q: db.Pool}
}

func newBalanceHistoryRepositoryWithTx(tx Queryable) interfaces.BalanceHistoryRepository {
	return &BalanceHistoryRepository{q: tx}
}

const balanceHistoryColumns = `id, request_id, account_id, kind, reason, balance_before, balance_after,
	change_amount, raffle_id, compensates_request_id, transaction_metadata, created_at`

func scanBalanceHistory(row pgx.Row) (*entities.BalanceHistory, error) {
	var h entities.BalanceHistory
	err := row.Scan(
		&h.ID,
		&h.RequestID,
		&h.AccountID,
		&h.Kind,
		&h.Reason,
		&h.BalanceBefore,
		&h.BalanceAfter,
		&h.ChangeAmount,
		&h.RaffleID,
		&h.CompensatesID,
		&h.TransactionMetadata,
		&h.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Record creates a new ledger entry
func (r *BalanceHistoryRepository) Record(ctx context.Context, history *entities.BalanceHistory) error {
	query := `
		INSERT INTO balance_history (
			request_id, account_id, kind, reason, balance_before, balance_after,
			change_amount, raffle_id, compensates_request_id, transaction_metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`

	metadata := history.TransactionMetadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	err := r.q.QueryRow(ctx, query,
		history.RequestID,
		history.AccountID,
		history.Kind,
		history.Reason,
		history.BalanceBefore,
		history.BalanceAfter,
		history.ChangeAmount,
		history.RaffleID,
		history.CompensatesID,
		metadata,
	).Scan(&history.ID, &history.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "balance_history_request_id_key") {
			return fmt.Errorf("request %s already recorded: %w", history.RequestID, err)
		}
		return fmt.Errorf("failed to record balance history: %w", err)
	}

	return nil
}

// GetByRequestID returns the entry written for a request id, or nil
func (r *BalanceHistoryRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*entities.BalanceHistory, error) {
	query := `SELECT ` + balanceHistoryColumns + ` FROM balance_history WHERE request_id = $1`
	return r.getOne(ctx, query, requestID)
}

// GetCompensation returns the entry that compensates the given request id, or nil
func (r *BalanceHistoryRepository) GetCompensation(ctx context.Context, requestID uuid.UUID) (*entities.BalanceHistory, error) {
	query := `SELECT ` + balanceHistoryColumns + `
		FROM balance_history
		WHERE compensates_request_id = $1
		ORDER BY id ASC
		LIMIT 1`
	return r.getOne(ctx, query, requestID)
}

func (r *BalanceHistoryRepository) getOne(ctx context.Context, query string, requestID uuid.UUID) (*entities.BalanceHistory, error) {
	history, err := scanBalanceHistory(r.q.QueryRow(ctx, query, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance history for request %s: %w", requestID, err)
	}
	return history, nil
}

// GetByAccount returns the latest ledger entries of an account
func (r *BalanceHistoryRepository) GetByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*entities.BalanceHistory, error) {
	query := `SELECT ` + balanceHistoryColumns + `
		FROM balance_history
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2`

	rows, err := r.q.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance history of %s: %w", accountID, err)
	}
	defer rows.Close()

	var history []*entities.BalanceHistory
	for rows.Next() {
		h, err := scanBalanceHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance history: %w", err)
		}
		history = append(history, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate balance history: %w", err)
	}

	return history, nil
}
