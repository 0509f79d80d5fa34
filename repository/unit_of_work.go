package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"raffler/database"
	"raffler/domain/interfaces"
)

// unitOfWork implements the UnitOfWork interface over one pgx transaction
type unitOfWork struct {
	db                     *database.DB
	tx                     pgx.Tx
	ctx                    context.Context
	transactionalPublisher interfaces.TransactionalEventPublisher
	accountRepo            interfaces.AccountRepository
	raffleRepo             interfaces.RaffleRepository
	betRepo                interfaces.BetRepository
	winnerRepo             interfaces.WinnerRepository
	balanceHistoryRepo     interfaces.BalanceHistoryRepository
	deferredCreditRepo     interfaces.DeferredCreditRepository
}

// NewUnitOfWorkFactory creates a new UnitOfWork factory
func NewUnitOfWorkFactory(db *database.DB) *unitOfWorkFactory {
	return &unitOfWorkFactory{
		db: db,
	}
}

type unitOfWorkFactory struct {
	db *database.DB
}

// CreateWithPublisher creates a new UnitOfWork that flushes the given publisher on commit
func (f *unitOfWorkFactory) CreateWithPublisher(transactionalPublisher interfaces.TransactionalEventPublisher) interfaces.UnitOfWork {
	return &unitOfWork{
		db:                     f.db,
		transactionalPublisher: transactionalPublisher,
	}
}

// Begin starts a new transaction
func (u *unitOfWork) Begin(ctx context.Context) error {
	if u.tx != nil {
		return fmt.Errorf("transaction already started")
	}

	tx, err := u.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	u.tx = tx
	u.ctx = ctx

	u.accountRepo = newAccountRepositoryWithTx(tx)
	u.raffleRepo = newRaffleRepositoryWithTx(tx)
	u.betRepo = newBetRepositoryWithTx(tx)
	u.winnerRepo = newWinnerRepositoryWithTx(tx)
	u.balanceHistoryRepo = newBalanceHistoryRepositoryWithTx(tx)
	u.deferredCreditRepo = newDeferredCreditRepositoryWithTx(tx)

	return nil
}

// Commit commits the transaction
func (u *unitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("no transaction to commit")
	}

	err := u.tx.Commit(u.ctx)
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	u.tx = nil

	// Flush pending events after successful commit
	if u.transactionalPublisher != nil {
		_ = u.transactionalPublisher.Flush(u.ctx)
	}

	return nil
}

// Rollback rolls back the transaction
func (u *unitOfWork) Rollback() error {
	if u.tx == nil {
		return nil
	}

	err := u.tx.Rollback(u.ctx)
	if err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	u.tx = nil

	if u.transactionalPublisher != nil {
		u.transactionalPublisher.Discard()
	}

	return nil
}

// AccountRepository returns the account repository for this unit of work
func (u *unitOfWork) AccountRepository() interfaces.AccountRepository {
	if u.accountRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.accountRepo
}

// RaffleRepository returns the raffle repository for this unit of work
func (u *unitOfWork) RaffleRepository() interfaces.RaffleRepository {
	if u.raffleRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.raffleRepo
}

// BetRepository returns the bet repository for this unit of work
func (u *unitOfWork) BetRepository() interfaces.BetRepository {
	if u.betRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.betRepo
}

// WinnerRepository returns the winner repository for this unit of work
func (u *unitOfWork) WinnerRepository() interfaces.WinnerRepository {
	if u.winnerRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.winnerRepo
}

// BalanceHistoryRepository returns the balance history repository for this unit of work
func (u *unitOfWork) BalanceHistoryRepository() interfaces.BalanceHistoryRepository {
	if u.balanceHistoryRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.balanceHistoryRepo
}

// DeferredCreditRepository returns the deferred credit repository for this unit of work
func (u *unitOfWork) DeferredCreditRepository() interfaces.DeferredCreditRepository {
	if u.deferredCreditRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.deferredCreditRepo
}

// EventBus returns the transactional event publisher
func (u *unitOfWork) EventBus() interfaces.EventPublisher {
	if u.transactionalPublisher == nil {
		panic("transactional publisher not configured")
	}
	return u.transactionalPublisher
}
