package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"raffler/database"
	"raffler/domain/entities"
	"raffler/domain/interfaces"
)

// AccountRepository implements interfaces.AccountRepository
type AccountRepository struct {
	q Queryable
}

// NewAccountRepository creates a new account repository on the pool
func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{q: db.Pool}
}

func newAccountRepositoryWithTx(tx Queryable) interfaces.AccountRepository {
	return &AccountRepository{q: tx}
}

// GetByID retrieves an account, locking its row for the rest of the transaction
func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Account, error) {
	query := `
		SELECT id, balance, created_at, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`

	var account entities.Account
	err := r.q.QueryRow(ctx, query, id).Scan(
		&account.ID,
		&account.Balance,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}

	return &account, nil
}

// Create inserts an account with a zero balance
func (r *AccountRepository) Create(ctx context.Context, id uuid.UUID) (*entities.Account, error) {
	query := `
		INSERT INTO accounts (id, balance)
		VALUES ($1, 0)
		RETURNING id, balance, created_at, updated_at
	`

	var account entities.Account
	err := r.q.QueryRow(ctx, query, id).Scan(
		&account.ID,
		&account.Balance,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account %s: %w", id, err)
	}

	return &account, nil
}

// UpdateBalance sets the balance of an account
func (r *AccountRepository) UpdateBalance(ctx context.Context, id uuid.UUID, newBalance decimal.Decimal) error {
	query := `
		UPDATE accounts
		SET balance = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.q.Exec(ctx, query, id, newBalance)
	if err != nil {
		return fmt.Errorf("failed to update balance of %s: %w", id, err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("account %s not found", id)
	}

	return nil
}
