package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"raffler/domain"
)

// BalanceMutationRequest is a single intent to change an account balance. It is consumed
// exactly once by the serializer, keyed by RequestID.
type BalanceMutationRequest struct {
	RequestID            uuid.UUID       `json:"requestId"`
	AccountID            uuid.UUID       `json:"accountId"`
	Kind                 MutationKind    `json:"kind"`
	Amount               decimal.Decimal `json:"amount"`
	Reason               string          `json:"reason"`
	RaffleID             *uuid.UUID      `json:"raffleId,omitempty"`
	BetID                *uuid.UUID      `json:"betId,omitempty"`
	CompensatesRequestID *uuid.UUID      `json:"compensatesRequestId,omitempty"`
	NotBefore            *time.Time      `json:"notBefore,omitempty"`
}

// Validate checks the request shape
func (r *BalanceMutationRequest) Validate() error {
	if r.RequestID == uuid.Nil {
		return domain.Invalid("request id is required")
	}
	if r.AccountID == uuid.Nil {
		return domain.Invalid("account id is required")
	}
	if !r.Kind.IsValid() {
		return domain.ErrUnsupportedOperation
	}
	if !r.Amount.IsPositive() {
		return domain.Invalid("amount must be positive")
	}
	if !HasMoneyScale(r.Amount) {
		return domain.Invalid("amount %s has more than %d decimal places", r.Amount, MoneyScale)
	}
	return nil
}

// IsDeferred returns true if the mutation must not be applied before a future instant
func (r *BalanceMutationRequest) IsDeferred(now time.Time) bool {
	return r.NotBefore != nil && r.NotBefore.After(now)
}

// MutationStatus is the outcome of a processed mutation
type MutationStatus string

const (
	MutationApplied  MutationStatus = "applied"
	MutationReplayed MutationStatus = "replayed"
	MutationDeferred MutationStatus = "deferred"
	MutationSkipped  MutationStatus = "skipped"
)

// MutationResult is returned to RPC callers of the serializer
type MutationResult struct {
	RequestID     uuid.UUID       `json:"requestId"`
	AccountID     uuid.UUID       `json:"accountId"`
	Status        MutationStatus  `json:"status"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	HistoryID     int64           `json:"historyId,omitempty"`
}

// Succeeded returns true if funds moved (now or earlier) for this request
func (r *MutationResult) Succeeded() bool {
	return r.Status == MutationApplied || r.Status == MutationReplayed
}

var mutationNamespace = uuid.MustParse("6f1d0c8e-5a0b-4f0e-9a57-0c3c7f3b8a21")

// DeriveRequestID derives a deterministic request id from a source id and a purpose, so
// that redelivered messages produce the same idempotency key.
func DeriveRequestID(source uuid.UUID, purpose string) uuid.UUID {
	return uuid.NewSHA1(mutationNamespace, append(source[:], []byte(purpose)...))
}
