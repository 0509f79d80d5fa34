package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"raffler/database"
	"raffler/domain/entities"
	"raffler/domain/interfaces"
)

// WinnerRepository implements interfaces.WinnerRepository
type WinnerRepository struct {
	q Queryable
}

// NewWinnerRepository creates a new winner repository on the pool
func NewWinnerRepository(db *database.DB) *WinnerRepository {
	return &WinnerRepository{q: db.Pool}
}

func newWinnerRepositoryWithTx(tx Queryable) interfaces.WinnerRepository {
	return &WinnerRepository{q: tx}
}

// CreateBatch inserts all winners of a draw
func (r *WinnerRepository) CreateBatch(ctx context.Context, winners []*entities.Winner) error {
	query := `
		INSERT INTO raffle_winners (raffle_id, prize_index, bet_id, account_id, ticket_number, amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	for _, w := range winners {
		err := r.q.QueryRow(ctx, query,
			w.RaffleID,
			w.PrizeIndex,
			w.BetID,
			w.AccountID,
			w.TicketNumber,
			w.Amount,
		).Scan(&w.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create winner %d of raffle %s: %w", w.PrizeIndex, w.RaffleID, err)
		}
	}

	return nil
}

// GetByRaffle returns the winners of a raffle ordered by prize index
func (r *WinnerRepository) GetByRaffle(ctx context.Context, raffleID uuid.UUID) ([]*entities.Winner, error) {
	query := `
		SELECT raffle_id, prize_index, bet_id, account_id, ticket_number, amount, created_at
		FROM raffle_winners
		WHERE raffle_id = $1
		ORDER BY prize_index ASC
	`

	rows, err := r.q.Query(ctx, query, raffleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get winners of raffle %s: %w", raffleID, err)
	}
	defer rows.Close()

	var winners []*entities.Winner
	for rows.Next() {
		var w entities.Winner
		if err := rows.Scan(&w.RaffleID, &w.PrizeIndex, &w.BetID, &w.AccountID, &w.TicketNumber, &w.Amount, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan winner: %w", err)
		}
		winners = append(winners, &w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate winners: %w", err)
	}

	return winners, nil
}
