package entities

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Winner binds a prize slot to the bet owning the drawn ticket number
type Winner struct {
	RaffleID     uuid.UUID       `db:"raffle_id" json:"raffleId"`
	PrizeIndex   int             `db:"prize_index" json:"prizeIndex"`
	BetID        uuid.UUID       `db:"bet_id" json:"betId"`
	AccountID    uuid.UUID       `db:"account_id" json:"accountId"`
	TicketNumber int64           `db:"ticket_number" json:"ticketNumber"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
}

// PayoutRequestID is the idempotency key of the winner's credit
func (w *Winner) PayoutRequestID() uuid.UUID {
	return DeriveRequestID(w.RaffleID, "payout:"+strconv.Itoa(w.PrizeIndex))
}
