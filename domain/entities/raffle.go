package entities

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RaffleStatus represents the lifecycle state of a raffle
type RaffleStatus string

const (
	RaffleStatusActive    RaffleStatus = "active"
	RaffleStatusEnded     RaffleStatus = "ended"
	RaffleStatusCancelled RaffleStatus = "cancelled"
)

// IsFinal returns true once the raffle can no longer change
func (s RaffleStatus) IsFinal() bool {
	return s == RaffleStatusEnded || s == RaffleStatusCancelled
}

// Prize is one ordered prize slot
type Prize struct {
	Value decimal.Decimal `json:"value"`
	Label string          `json:"label,omitempty"`
}

// Raffle is a finite ticket inventory with ordered prize slots
type Raffle struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	Status            RaffleStatus    `db:"status" json:"status"`
	TotalTickets      int64           `db:"total_tickets" json:"totalTickets"`
	TicketsBought     int64           `db:"tickets_bought" json:"ticketsBought"`
	TicketPrice       decimal.Decimal `db:"ticket_price" json:"ticketPrice"`
	MaxTicketsPerUser *int64          `db:"max_tickets_per_user" json:"maxTicketsPerUser,omitempty"`
	Prizes            []Prize         `db:"prizes" json:"prizes"`
	EndsAt            *time.Time      `db:"ends_at" json:"endsAt,omitempty"`
	Version           int64           `db:"version" json:"version"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	EndedAt           *time.Time      `db:"ended_at" json:"endedAt,omitempty"`

	Bets    []*Bet    `db:"-" json:"bets,omitempty"`
	Winners []*Winner `db:"-" json:"winners,omitempty"`
}

// QueueName returns the name of the raffle's dedicated queue
func (r *Raffle) QueueName() string {
	return RaffleQueueName(r.ID)
}

// RaffleQueueName derives the per-raffle queue name
func RaffleQueueName(id uuid.UUID) string {
	return "raffle:" + id.String()
}

// IsActive returns true if tickets may still be sold
func (r *Raffle) IsActive() bool {
	return r.Status == RaffleStatusActive
}

// IsFull returns true when the inventory is exhausted
func (r *Raffle) IsFull() bool {
	return r.TicketsBought >= r.TotalTickets
}

// TicketsRemaining returns the number of unclaimed tickets
func (r *Raffle) TicketsRemaining() int64 {
	return r.TotalTickets - r.TicketsBought
}

// IsExpiredAt returns true if the raffle deadline passed before t
func (r *Raffle) IsExpiredAt(t time.Time) bool {
	return r.EndsAt != nil && !t.Before(*r.EndsAt)
}

// ClaimedNumbers returns the set of ticket numbers held by any bet
func (r *Raffle) ClaimedNumbers() map[int64]uuid.UUID {
	claimed := make(map[int64]uuid.UUID, r.TicketsBought)
	for _, bet := range r.Bets {
		for _, n := range bet.TicketNumbers {
			claimed[n] = bet.ID
		}
	}
	return claimed
}

// SortedClaimedNumbers returns claimed ticket numbers in ascending order
func (r *Raffle) SortedClaimedNumbers() []int64 {
	claimed := r.ClaimedNumbers()
	numbers := make([]int64, 0, len(claimed))
	for n := range claimed {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers
}

// TicketsHeldBy returns how many tickets an account already holds
func (r *Raffle) TicketsHeldBy(accountID uuid.UUID) int64 {
	var held int64
	for _, bet := range r.Bets {
		if bet.AccountID == accountID {
			held += int64(len(bet.TicketNumbers))
		}
	}
	return held
}

// FindBet returns the bet with the given id
func (r *Raffle) FindBet(id uuid.UUID) *Bet {
	for _, bet := range r.Bets {
		if bet.ID == id {
			return bet
		}
	}
	return nil
}

// AddBet appends a committed bet and advances the sold counter
func (r *Raffle) AddBet(bet *Bet) {
	r.Bets = append(r.Bets, bet)
	r.TicketsBought += int64(len(bet.TicketNumbers))
	r.Version++
}

// CountedTickets sums ticket counts across bets
func (r *Raffle) CountedTickets() int64 {
	var total int64
	for _, bet := range r.Bets {
		total += int64(len(bet.TicketNumbers))
	}
	return total
}

// Validate checks the creation-time invariants
func (r *Raffle) Validate() error {
	if r.TotalTickets <= 0 {
		return fmt.Errorf("total tickets must be positive")
	}
	if !r.TicketPrice.IsPositive() {
		return fmt.Errorf("ticket price must be positive")
	}
	if !HasMoneyScale(r.TicketPrice) {
		return fmt.Errorf("ticket price %s has more than %d decimal places", r.TicketPrice, MoneyScale)
	}
	if r.MaxTicketsPerUser != nil && *r.MaxTicketsPerUser <= 0 {
		return fmt.Errorf("max tickets per user must be positive when set")
	}
	if len(r.Prizes) == 0 {
		return fmt.Errorf("at least one prize is required")
	}
	for i, p := range r.Prizes {
		if !p.Value.IsPositive() {
			return fmt.Errorf("prize %d must have a positive value", i)
		}
		if !HasMoneyScale(p.Value) {
			return fmt.Errorf("prize %d has more than %d decimal places", i, MoneyScale)
		}
	}
	return nil
}

// End marks the raffle as ended with the given winners
func (r *Raffle) End(winners []*Winner, at time.Time) {
	r.Status = RaffleStatusEnded
	r.Winners = winners
	r.EndedAt = &at
	r.Version++
}

// Cancel marks the raffle as cancelled
func (r *Raffle) Cancel(at time.Time) {
	r.Status = RaffleStatusCancelled
	r.EndedAt = &at
	r.Version++
}
