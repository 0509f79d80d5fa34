package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"raffler/domain/entities"
	"raffler/domain/events"
)

// AccountRepository defines the interface for account data access
type AccountRepository interface {
	// GetByID retrieves an account, returning nil if it does not exist
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Account, error)

	// Create creates an account with a zero balance
	Create(ctx context.Context, id uuid.UUID) (*entities.Account, error)

	// UpdateBalance sets the balance of an account
	UpdateBalance(ctx context.Context, id uuid.UUID, newBalance decimal.Decimal) error
}

// RaffleRepository defines the interface for raffle data access
type RaffleRepository interface {
	// Create persists a new raffle
	Create(ctx context.Context, raffle *entities.Raffle) error

	// GetByID retrieves a raffle without bets or winners, returning nil if it does not exist
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Raffle, error)

	// IncrementTicketsBought atomically adds count to an active raffle's sold tickets and bumps
	// its version. Returns ErrRaffleFinished if the raffle is not active and ErrNotEnoughTickets on overflow.
	IncrementTicketsBought(ctx context.Context, id uuid.UUID, count int64) (ticketsBought int64, version int64, err error)

	// UpdateStatus moves an active raffle to a final status and bumps its version
	UpdateStatus(ctx context.Context, id uuid.UUID, status entities.RaffleStatus, endedAt time.Time) (version int64, err error)

	// ListByStatus returns raffles with the given status, oldest first
	ListByStatus(ctx context.Context, status entities.RaffleStatus) ([]*entities.Raffle, error)

	// ListFinished returns the most recently ended or cancelled raffles
	ListFinished(ctx context.Context, limit int) ([]*entities.Raffle, error)

	// ListExpired returns active raffles whose deadline is at or before now
	ListExpired(ctx context.Context, now time.Time) ([]*entities.Raffle, error)
}

// BetRepository defines the interface for bet data access
type BetRepository interface {
	// Create inserts a bet and claims its ticket numbers. Returns ErrTicketTaken on a claimed number.
	Create(ctx context.Context, bet *entities.Bet) error

	// GetByID retrieves a bet, returning nil if it does not exist
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Bet, error)

	// GetByRaffle returns all bets of a raffle in purchase order
	GetByRaffle(ctx context.Context, raffleID uuid.UUID) ([]*entities.Bet, error)

	// AttachPrize adds a prize amount to a bet
	AttachPrize(ctx context.Context, betID uuid.UUID, amount decimal.Decimal) error
}

// WinnerRepository defines the interface for raffle winner data access
type WinnerRepository interface {
	CreateBatch(ctx context.Context, winners []*entities.Winner) error
	GetByRaffle(ctx context.Context, raffleID uuid.UUID) ([]*entities.Winner, error)
}

// BalanceHistoryRepository defines the interface for the balance ledger
type BalanceHistoryRepository interface {
	// Record creates a new ledger entry
	Record(ctx context.Context, history *entities.BalanceHistory) error

	// GetByRequestID returns the entry written for a request id, or nil
	GetByRequestID(ctx context.Context, requestID uuid.UUID) (*entities.BalanceHistory, error)

	// GetCompensation returns the entry that compensates the given request id, or nil
	GetCompensation(ctx context.Context, requestID uuid.UUID) (*entities.BalanceHistory, error)

	// GetByAccount returns the latest ledger entries of an account
	GetByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*entities.BalanceHistory, error)
}

// DeferredCreditRepository defines the interface for durable delayed mutations
type DeferredCreditRepository interface {
	// Create stores a deferred credit. Returns false if the request id was already stored.
	Create(ctx context.Context, credit *entities.DeferredCredit) (bool, error)

	// GetByRequestID returns the stored credit, or nil if none exists
	GetByRequestID(ctx context.Context, requestID uuid.UUID) (*entities.DeferredCredit, error)

	// ListDue returns undispatched credits due at or before now
	ListDue(ctx context.Context, now time.Time, limit int) ([]*entities.DeferredCredit, error)

	// NextDue returns the earliest undispatched due time, or nil if nothing is pending
	NextDue(ctx context.Context) (*time.Time, error)

	// MarkDispatched records that a credit was handed to the balance queue
	MarkDispatched(ctx context.Context, requestID uuid.UUID, at time.Time) error
}

// EventPublisher defines the interface for publishing events
type EventPublisher interface {
	Publish(event events.Event) error
}

// TransactionalEventPublisher holds events until the owning transaction commits
type TransactionalEventPublisher interface {
	EventPublisher
	Flush(ctx context.Context) error
	Discard()
}
