package entities

import (
	"time"

	"github.com/google/uuid"
)

// DeferredCredit is the durable record of a mutation that must not be applied before NotBefore
type DeferredCredit struct {
	RequestID    uuid.UUID              `db:"request_id"`
	AccountID    uuid.UUID              `db:"account_id"`
	Request      BalanceMutationRequest `db:"payload"`
	NotBefore    time.Time              `db:"not_before"`
	DispatchedAt *time.Time             `db:"dispatched_at"`
	CreatedAt    time.Time              `db:"created_at"`
}

// NewDeferredCredit wraps a request that carries a NotBefore timestamp
func NewDeferredCredit(req BalanceMutationRequest) *DeferredCredit {
	dc := &DeferredCredit{
		RequestID: req.RequestID,
		AccountID: req.AccountID,
		Request:   req,
	}
	if req.NotBefore != nil {
		dc.NotBefore = req.NotBefore.UTC()
	}
	return dc
}

// IsDue returns true if the credit may be applied at now
func (d *DeferredCredit) IsDue(now time.Time) bool {
	return !d.NotBefore.After(now)
}
