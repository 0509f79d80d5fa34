package interfaces

import "context"

// UnitOfWork manages a store transaction and the repositories bound to it
type UnitOfWork interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) error

	// Commit commits the transaction and flushes pending events
	Commit() error

	// Rollback rolls back the transaction and discards pending events
	Rollback() error

	// Repository getters
	AccountRepository() AccountRepository
	RaffleRepository() RaffleRepository
	BetRepository() BetRepository
	WinnerRepository() WinnerRepository
	BalanceHistoryRepository() BalanceHistoryRepository
	DeferredCreditRepository() DeferredCreditRepository
	EventBus() EventPublisher
}

// UnitOfWorkFactory creates UnitOfWork instances
type UnitOfWorkFactory interface {
	Create() UnitOfWork
}
