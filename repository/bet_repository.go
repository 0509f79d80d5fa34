package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"raffler/database"
	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/interfaces"
)

// BetRepository implements interfaces.BetRepository
type BetRepository struct {
	q Queryable
}

// NewBetRepository creates a new bet repository on the pool
func NewBetRepository(db *database.DB) *BetRepository {
	return &BetRepository{q: db.Pool}
}

func newBetRepositoryWithTx(tx Queryable) interfaces.BetRepository {
	return &BetRepository{q: tx}
}

const betColumns = `id, raffle_id, account_id, amount, ticket_numbers, prize, created_at`

func scanBet(row pgx.Row) (*entities.Bet, error) {
	var bet entities.Bet
	err := row.Scan(
		&bet.ID,
		&bet.RaffleID,
		&bet.AccountID,
		&bet.Amount,
		&bet.TicketNumbers,
		&bet.Prize,
		&bet.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &bet, nil
}

// Create inserts the bet and one raffle_tickets row per number. A number that is already
// claimed violates the raffle_tickets primary key and is reported as ErrTicketTaken.
func (r *BetRepository) Create(ctx context.Context, bet *entities.Bet) error {
	query := `
		INSERT INTO bets (id, raffle_id, account_id, amount, ticket_numbers, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING created_at
	`

	var createdAt *time.Time
	if !bet.CreatedAt.IsZero() {
		createdAt = &bet.CreatedAt
	}

	err := r.q.QueryRow(ctx, query,
		bet.ID,
		bet.RaffleID,
		bet.AccountID,
		bet.Amount,
		bet.TicketNumbers,
		createdAt,
	).Scan(&bet.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create bet: %w", err)
	}

	claim := `
		INSERT INTO raffle_tickets (raffle_id, ticket_number, bet_id)
		SELECT $1, n, $2 FROM unnest($3::bigint[]) AS n
	`
	if _, err := r.q.Exec(ctx, claim, bet.RaffleID, bet.ID, bet.TicketNumbers); err != nil {
		if isUniqueViolation(err, "raffle_tickets_pkey") {
			return domain.WithCause(domain.ErrTicketTaken, err)
		}
		return fmt.Errorf("failed to claim tickets: %w", err)
	}

	return nil
}

// GetByID retrieves a bet, returning nil if it does not exist
func (r *BetRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Bet, error) {
	query := `SELECT ` + betColumns + ` FROM bets WHERE id = $1`

	bet, err := scanBet(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bet %s: %w", id, err)
	}

	return bet, nil
}

// GetByRaffle returns all bets of a raffle in purchase order
func (r *BetRepository) GetByRaffle(ctx context.Context, raffleID uuid.UUID) ([]*entities.Bet, error) {
	query := `SELECT ` + betColumns + ` FROM bets WHERE raffle_id = $1 ORDER BY seq ASC`

	rows, err := r.q.Query(ctx, query, raffleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get bets of raffle %s: %w", raffleID, err)
	}
	defer rows.Close()

	var bets []*entities.Bet
	for rows.Next() {
		bet, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bet: %w", err)
		}
		bets = append(bets, bet)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bets: %w", err)
	}

	return bets, nil
}

// AttachPrize adds a prize amount to a bet
func (r *BetRepository) AttachPrize(ctx context.Context, betID uuid.UUID, amount decimal.Decimal) error {
	query := `
		UPDATE bets
		SET prize = COALESCE(prize, 0) + $2
		WHERE id = $1
	`

	result, err := r.q.Exec(ctx, query, betID, amount)
	if err != nil {
		return fmt.Errorf("failed to attach prize to bet %s: %w", betID, err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("bet %s not found", betID)
	}

	return nil
}
