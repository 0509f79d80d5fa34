package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account holds a player's spendable balance. Only the balance mutation serializer writes Balance.
type Account struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

// HasSufficientBalance checks if the account can cover amount
func (a *Account) HasSufficientBalance(amount decimal.Decimal) bool {
	return a.Balance.GreaterThanOrEqual(amount)
}
