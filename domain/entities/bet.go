package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Bet is an append-only ticket purchase. Its ID is the purchase id chosen by the caller.
type Bet struct {
	ID            uuid.UUID        `db:"id" json:"id"`
	RaffleID      uuid.UUID        `db:"raffle_id" json:"raffleId"`
	AccountID     uuid.UUID        `db:"account_id" json:"accountId"`
	Amount        decimal.Decimal  `db:"amount" json:"amount"`
	TicketNumbers []int64          `db:"ticket_numbers" json:"ticketNumbers"`
	Prize         *decimal.Decimal `db:"prize" json:"prize,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"createdAt"`
}

// TicketCount returns the number of tickets in the bet
func (b *Bet) TicketCount() int64 {
	return int64(len(b.TicketNumbers))
}

// Owns returns true if the bet holds ticket number n
func (b *Bet) Owns(n int64) bool {
	for _, t := range b.TicketNumbers {
		if t == n {
			return true
		}
	}
	return false
}

// AttachPrize adds a prize amount to the bet
func (b *Bet) AttachPrize(amount decimal.Decimal) {
	if b.Prize == nil {
		b.Prize = &amount
		return
	}
	total := b.Prize.Add(amount)
	b.Prize = &total
}
