package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceHistory is the ledger record written alongside every applied balance mutation
type BalanceHistory struct {
	ID                  int64           `db:"id"`
	RequestID           uuid.UUID       `db:"request_id"`
	AccountID           uuid.UUID       `db:"account_id"`
	Kind                MutationKind    `db:"kind"`
	Reason              string          `db:"reason"`
	BalanceBefore       decimal.Decimal `db:"balance_before"`
	BalanceAfter        decimal.Decimal `db:"balance_after"`
	ChangeAmount        decimal.Decimal `db:"change_amount"`
	RaffleID            *uuid.UUID      `db:"raffle_id"`
	CompensatesID       *uuid.UUID      `db:"compensates_request_id"`
	TransactionMetadata map[string]any  `db:"transaction_metadata"`
	CreatedAt           time.Time       `db:"created_at"`
}

// IsPositiveChange returns true if the change amount is positive
func (bh *BalanceHistory) IsPositiveChange() bool {
	return bh.ChangeAmount.IsPositive()
}

// ValidateTransaction performs basic validation on the transaction
func (bh *BalanceHistory) ValidateTransaction() error {
	if bh.ChangeAmount.IsZero() {
		return errors.New("change amount cannot be zero")
	}
	if !bh.BalanceAfter.Equal(bh.BalanceBefore.Add(bh.ChangeAmount)) {
		return errors.New("balance calculation is inconsistent")
	}
	return nil
}

// IsVoid returns true for zero-change entries recorded for skipped compensations
func (bh *BalanceHistory) IsVoid() bool {
	return bh.ChangeAmount.IsZero()
}

// Result converts the ledger row into the serializer's reply shape
func (bh *BalanceHistory) Result(status MutationStatus) *MutationResult {
	return &MutationResult{
		RequestID:     bh.RequestID,
		AccountID:     bh.AccountID,
		Status:        status,
		BalanceBefore: bh.BalanceBefore,
		BalanceAfter:  bh.BalanceAfter,
		HistoryID:     bh.ID,
	}
}
