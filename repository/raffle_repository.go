package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"raffler/database"
	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/interfaces"
)

// RaffleRepository implements interfaces.RaffleRepository
type RaffleRepository struct {
	q Queryable
}

// NewRaffleRepository creates a new raffle repository on the pool
func NewRaffleRepository(db *database.DB) *RaffleRepository {
	return &RaffleRepository{q: db.Pool}
}

func newRaffleRepositoryWithTx(tx Queryable) interfaces.RaffleRepository {
	return &RaffleRepository{q: tx}
}

const raffleColumns = `id, status, total_tickets, tickets_bought, ticket_price, max_tickets_per_user,
	prizes, ends_at, version, created_at, ended_at`

func scanRaffle(row pgx.Row) (*entities.Raffle, error) {
	var raffle entities.Raffle
	err := row.Scan(
		&raffle.ID,
		&raffle.Status,
		&raffle.TotalTickets,
		&raffle.TicketsBought,
		&raffle.TicketPrice,
		&raffle.MaxTicketsPerUser,
		&raffle.Prizes,
		&raffle.EndsAt,
		&raffle.Version,
		&raffle.CreatedAt,
		&raffle.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return &raffle, nil
}

// Create persists a new raffle
func (r *RaffleRepository) Create(ctx context.Context, raffle *entities.Raffle) error {
	query := `
		INSERT INTO raffles (id, status, total_tickets, tickets_bought, ticket_price, max_tickets_per_user,
			prizes, ends_at, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))
		RETURNING created_at
	`

	var createdAt *time.Time
	if !raffle.CreatedAt.IsZero() {
		createdAt = &raffle.CreatedAt
	}

	err := r.q.QueryRow(ctx, query,
		raffle.ID,
		raffle.Status,
		raffle.TotalTickets,
		raffle.TicketsBought,
		raffle.TicketPrice,
		raffle.MaxTicketsPerUser,
		raffle.Prizes,
		raffle.EndsAt,
		raffle.Version,
		createdAt,
	).Scan(&raffle.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create raffle: %w", err)
	}

	return nil
}

// GetByID retrieves a raffle and locks its row for the rest of the transaction
func (r *RaffleRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Raffle, error) {
	query := `SELECT ` + raffleColumns + ` FROM raffles WHERE id = $1 FOR UPDATE`

	raffle, err := scanRaffle(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get raffle %s: %w", id, err)
	}

	return raffle, nil
}

// IncrementTicketsBought adds count to the sold counter of an active raffle
func (r *RaffleRepository) IncrementTicketsBought(ctx context.Context, id uuid.UUID, count int64) (int64, int64, error) {
	query := `
		UPDATE raffles
		SET tickets_bought = tickets_bought + $2, version = version + 1
		WHERE id = $1 AND status = 'active' AND tickets_bought + $2 <= total_tickets
		RETURNING tickets_bought, version
	`

	var ticketsBought, version int64
	err := r.q.QueryRow(ctx, query, id, count).Scan(&ticketsBought, &version)
	if err == nil {
		return ticketsBought, version, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("failed to increment tickets of raffle %s: %w", id, err)
	}

	// Find out which guard rejected the update
	var status entities.RaffleStatus
	err = r.q.QueryRow(ctx, `SELECT status FROM raffles WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, domain.ErrRaffleFinished
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to check raffle %s: %w", id, err)
	}
	if status != entities.RaffleStatusActive {
		return 0, 0, domain.ErrRaffleFinished
	}
	return 0, 0, domain.ErrNotEnoughTickets
}

// UpdateStatus moves an active raffle to a final status
func (r *RaffleRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status entities.RaffleStatus, endedAt time.Time) (int64, error) {
	query := `
		UPDATE raffles
		SET status = $2, ended_at = $3, version = version + 1
		WHERE id = $1 AND status = 'active'
		RETURNING version
	`

	var version int64
	err := r.q.QueryRow(ctx, query, id, status, endedAt).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrRaffleFinished
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update status of raffle %s: %w", id, err)
	}

	return version, nil
}

// ListByStatus returns raffles with the given status, oldest first
func (r *RaffleRepository) ListByStatus(ctx context.Context, status entities.RaffleStatus) ([]*entities.Raffle, error) {
	query := `SELECT ` + raffleColumns + ` FROM raffles WHERE status = $1 ORDER BY created_at ASC`
	return r.list(ctx, query, status)
}

// ListFinished returns the most recently ended or cancelled raffles
func (r *RaffleRepository) ListFinished(ctx context.Context, limit int) ([]*entities.Raffle, error) {
	query := `SELECT ` + raffleColumns + `
		FROM raffles
		WHERE status <> 'active'
		ORDER BY ended_at DESC
		LIMIT $1`
	return r.list(ctx, query, limit)
}

// ListExpired returns active raffles whose deadline has passed
func (r *RaffleRepository) ListExpired(ctx context.Context, now time.Time) ([]*entities.Raffle, error) {
	query := `SELECT ` + raffleColumns + `
		FROM raffles
		WHERE status = 'active' AND ends_at IS NOT NULL AND ends_at <= $1
		ORDER BY ends_at ASC`
	return r.list(ctx, query, now)
}

func (r *RaffleRepository) list(ctx context.Context, query string, args ...any) ([]*entities.Raffle, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query raffles: %w", err)
	}
	defer rows.Close()

	var raffles []*entities.Raffle
	for rows.Next() {
		raffle, err := scanRaffle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan raffle: %w", err)
		}
		raffles = append(raffles, raffle)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate raffles: %w", err)
	}

	return raffles, nil
}
