package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"raffler/domain/entities"
)

// BalanceMutator submits balance mutation requests to the serializer
type BalanceMutator interface {
	// Submit sends a request and waits for its outcome. Business rejections are returned as
	// *domain.Error; domain.ErrRPCTimeout means the outcome is unknown.
	Submit(ctx context.Context, req entities.BalanceMutationRequest) (*entities.MutationResult, error)

	// Enqueue sends a request without waiting
	Enqueue(ctx context.Context, req entities.BalanceMutationRequest) error
}

// RaffleSnapshotStore holds the cached raffle views
type RaffleSnapshotStore interface {
	// IsBuilt reports whether the store holds a complete snapshot
	IsBuilt(ctx context.Context) (bool, error)

	// Replace writes every view of a rebuilt snapshot and marks the store built.
	// Views older than the cached version of the same raffle are skipped.
	Replace(ctx context.Context, snapshot *entities.CacheSnapshot) error

	// Put stores a view in bucket and removes it from the other bucket.
	// Returns false if a newer version is already cached.
	Put(ctx context.Context, view *entities.RaffleView, bucket entities.Bucket) (bool, error)

	// Get returns the view of a raffle in bucket, or nil
	Get(ctx context.Context, id uuid.UUID, bucket entities.Bucket) (*entities.RaffleView, error)

	// Remove deletes a raffle from bucket
	Remove(ctx context.Context, id uuid.UUID, bucket entities.Bucket) error

	// Snapshot returns every cached view
	Snapshot(ctx context.Context) (*entities.CacheSnapshot, error)

	// Clear drops all views and the built marker
	Clear(ctx context.Context) error
}

// RaffleCache is the read-through view of raffle state used by the pipelines
type RaffleCache interface {
	GetAll(ctx context.Context) (*entities.CacheSnapshot, error)
	GetOne(ctx context.Context, id uuid.UUID, bucket entities.Bucket) (*entities.RaffleView, error)
	Upsert(ctx context.Context, raffle *entities.Raffle) error
	Invalidate(ctx context.Context) error
}

// NumberSource yields uniformly distributed integers in [0, n)
type NumberSource interface {
	Int63n(n int64) (int64, error)
}

// DeferredCreditNotifier is told when new deferred credits were stored
type DeferredCreditNotifier interface {
	Notify()
}

// BalanceService applies balance mutations. It must only be driven by the single serializer consumer.
type BalanceService interface {
	Apply(ctx context.Context, req entities.BalanceMutationRequest) (*entities.MutationResult, error)
}

// BuyRequest is a ticket purchase intent. Either TicketNumbers or Quantity is set.
type BuyRequest struct {
	PurchaseID    uuid.UUID  `json:"purchaseId"`
	RaffleID      uuid.UUID  `json:"raffleId"`
	AccountID     uuid.UUID  `json:"accountId"`
	TicketNumbers []int64    `json:"ticketNumbers,omitempty"`
	Quantity      int        `json:"quantity,omitempty"`
	RequestedAt   *time.Time `json:"requestedAt,omitempty"`
}

// PurchaseResult describes a committed purchase
type PurchaseResult struct {
	Bet           *entities.Bet `json:"bet"`
	TicketsBought int64         `json:"ticketsBought"`
	TotalTickets  int64         `json:"totalTickets"`
	Replayed      bool          `json:"replayed,omitempty"`
	Draw          *DrawResult   `json:"draw,omitempty"`
}

// DrawTrigger names what closed a raffle
type DrawTrigger string

const (
	TriggerSoldOut     DrawTrigger = "sold_out"
	TriggerForceFinish DrawTrigger = "force_finish"
	TriggerDeadline    DrawTrigger = "deadline"
)

// DrawResult describes a finished raffle
type DrawResult struct {
	RaffleID uuid.UUID             `json:"raffleId"`
	Status   entities.RaffleStatus `json:"status"`
	Trigger  DrawTrigger           `json:"trigger"`
	Winners  []*entities.Winner    `json:"winners"`
}

// TicketService runs the per-raffle purchase pipeline
type TicketService interface {
	Buy(ctx context.Context, req BuyRequest) (*PurchaseResult, error)
}

// DrawService selects winners and closes raffles
type DrawService interface {
	Finish(ctx context.Context, raffleID uuid.UUID, trigger DrawTrigger) (*DrawResult, error)
}

// CreateRaffleRequest holds the parameters of a new raffle
type CreateRaffleRequest struct {
	ID                *uuid.UUID       `json:"id,omitempty"`
	TotalTickets      int64            `json:"totalTickets"`
	TicketPrice       decimal.Decimal  `json:"ticketPrice"`
	MaxTicketsPerUser *int64           `json:"maxTicketsPerUser,omitempty"`
	Prizes            []entities.Prize `json:"prizes"`
	EndsAt            *time.Time       `json:"endsAt,omitempty"`
}

// CancelResult describes a cancelled raffle
type CancelResult struct {
	RaffleID uuid.UUID `json:"raffleId"`
	Refunds  int       `json:"refunds"`
}

// RaffleService handles raffle creation and cancellation
type RaffleService interface {
	Create(ctx context.Context, req CreateRaffleRequest) (*entities.Raffle, error)
	Cancel(ctx context.Context, raffleID uuid.UUID) (*CancelResult, error)
	ListActive(ctx context.Context) ([]*entities.Raffle, error)
}
