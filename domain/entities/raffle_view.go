package entities

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Bucket names a partition of the cache snapshot
type Bucket string

const (
	BucketActive Bucket = "active"
	BucketEnded  Bucket = "ended"
)

// BucketFor returns the cache bucket a raffle with the given status belongs to
func BucketFor(status RaffleStatus) Bucket {
	if status == RaffleStatusActive {
		return BucketActive
	}
	return BucketEnded
}

// PrizeView is the wire shape of a prize slot
type PrizeView struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// BetView is the wire shape of a bet
type BetView struct {
	ID            string  `json:"id"`
	AccountID     string  `json:"accountId"`
	Amount        string  `json:"amount"`
	TicketNumbers []int64 `json:"ticketNumbers"`
	Prize         *string `json:"prize,omitempty"`
	CreatedAt     string  `json:"createdAt"`
}

// WinnerView is the wire shape of a winner
type WinnerView struct {
	PrizeIndex   int    `json:"prizeIndex"`
	BetID        string `json:"betId"`
	AccountID    string `json:"accountId"`
	TicketNumber string `json:"ticketNumber"`
	Amount       string `json:"amount"`
}

// RaffleView is the cached front-end projection of a raffle. Counters, decimals and
// timestamps are strings so they survive JSON consumers without precision loss.
type RaffleView struct {
	ID                string       `json:"id"`
	Status            string       `json:"status"`
	TotalTickets      string       `json:"totalTickets"`
	TicketsBought     string       `json:"ticketsBought"`
	TicketPrice       string       `json:"ticketPrice"`
	MaxTicketsPerUser *string      `json:"maxTicketsPerUser,omitempty"`
	Prizes            []PrizeView  `json:"prizes"`
	Bets              []BetView    `json:"bets"`
	Winners           []WinnerView `json:"winners"`
	EndsAt            *string      `json:"endsAt,omitempty"`
	CreatedAt         string       `json:"createdAt"`
	EndedAt           *string      `json:"endedAt,omitempty"`
	Version           int64        `json:"version"`
}

// CacheSnapshot is the full cached state broadcast to live subscribers
type CacheSnapshot struct {
	Active []RaffleView `json:"active"`
	Ended  []RaffleView `json:"ended"`
}

// Find returns the view with the given id in bucket, or nil
func (s *CacheSnapshot) Find(id uuid.UUID, bucket Bucket) *RaffleView {
	views := s.Active
	if bucket == BucketEnded {
		views = s.Ended
	}
	key := id.String()
	for i := range views {
		if views[i].ID == key {
			return &views[i]
		}
	}
	return nil
}

// viewTimeLayout is fixed width so views sort chronologically as strings
const viewTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(viewTimeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// NewRaffleView projects a raffle with its bets and winners into the cache shape
func NewRaffleView(r *Raffle) RaffleView {
	view := RaffleView{
		ID:            r.ID.String(),
		Status:        string(r.Status),
		TotalTickets:  strconv.FormatInt(r.TotalTickets, 10),
		TicketsBought: strconv.FormatInt(r.TicketsBought, 10),
		TicketPrice:   r.TicketPrice.String(),
		Prizes:        make([]PrizeView, 0, len(r.Prizes)),
		Bets:          make([]BetView, 0, len(r.Bets)),
		Winners:       make([]WinnerView, 0, len(r.Winners)),
		EndsAt:        formatTimePtr(r.EndsAt),
		CreatedAt:     formatTime(r.CreatedAt),
		EndedAt:       formatTimePtr(r.EndedAt),
		Version:       r.Version,
	}
	if r.MaxTicketsPerUser != nil {
		limit := strconv.FormatInt(*r.MaxTicketsPerUser, 10)
		view.MaxTicketsPerUser = &limit
	}
	for _, p := range r.Prizes {
		view.Prizes = append(view.Prizes, PrizeView{Value: p.Value.String(), Label: p.Label})
	}
	for _, b := range r.Bets {
		bv := BetView{
			ID:            b.ID.String(),
			AccountID:     b.AccountID.String(),
			Amount:        b.Amount.String(),
			TicketNumbers: append([]int64(nil), b.TicketNumbers...),
			CreatedAt:     formatTime(b.CreatedAt),
		}
		if b.Prize != nil {
			prize := b.Prize.String()
			bv.Prize = &prize
		}
		view.Bets = append(view.Bets, bv)
	}
	for _, w := range r.Winners {
		view.Winners = append(view.Winners, WinnerView{
			PrizeIndex:   w.PrizeIndex,
			BetID:        w.BetID.String(),
			AccountID:    w.AccountID.String(),
			TicketNumber: strconv.FormatInt(w.TicketNumber, 10),
			Amount:       w.Amount.String(),
		})
	}
	return view
}

type viewParser struct {
	err error
}

func (p *viewParser) uuid(field, s string) uuid.UUID {
	if p.err != nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", field, err)
	}
	return id
}

func (p *viewParser) int(field, s string) int64 {
	if p.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", field, err)
	}
	return n
}

func (p *viewParser) decimal(field, s string) decimal.Decimal {
	if p.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", field, err)
	}
	return d
}

func (p *viewParser) time(field, s string) time.Time {
	if p.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(viewTimeLayout, s)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", field, err)
	}
	return t
}

func (p *viewParser) timePtr(field string, s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := p.time(field, *s)
	return &t
}

// ToRaffle parses the view back into a raffle entity
func (v *RaffleView) ToRaffle() (*Raffle, error) {
	var p viewParser
	r := &Raffle{
		ID:            p.uuid("id", v.ID),
		Status:        RaffleStatus(v.Status),
		TotalTickets:  p.int("totalTickets", v.TotalTickets),
		TicketsBought: p.int("ticketsBought", v.TicketsBought),
		TicketPrice:   p.decimal("ticketPrice", v.TicketPrice),
		EndsAt:        p.timePtr("endsAt", v.EndsAt),
		CreatedAt:     p.time("createdAt", v.CreatedAt),
		EndedAt:       p.timePtr("endedAt", v.EndedAt),
		Version:       v.Version,
	}
	if v.MaxTicketsPerUser != nil {
		limit := p.int("maxTicketsPerUser", *v.MaxTicketsPerUser)
		r.MaxTicketsPerUser = &limit
	}
	for _, pv := range v.Prizes {
		r.Prizes = append(r.Prizes, Prize{Value: p.decimal("prize", pv.Value), Label: pv.Label})
	}
	for _, bv := range v.Bets {
		bet := &Bet{
			ID:            p.uuid("bet.id", bv.ID),
			RaffleID:      r.ID,
			AccountID:     p.uuid("bet.accountId", bv.AccountID),
			Amount:        p.decimal("bet.amount", bv.Amount),
			TicketNumbers: append([]int64(nil), bv.TicketNumbers...),
			CreatedAt:     p.time("bet.createdAt", bv.CreatedAt),
		}
		if bv.Prize != nil {
			prize := p.decimal("bet.prize", *bv.Prize)
			bet.Prize = &prize
		}
		r.Bets = append(r.Bets, bet)
	}
	for _, wv := range v.Winners {
		r.Winners = append(r.Winners, &Winner{
			RaffleID:     r.ID,
			PrizeIndex:   wv.PrizeIndex,
			BetID:        p.uuid("winner.betId", wv.BetID),
			AccountID:    p.uuid("winner.accountId", wv.AccountID),
			TicketNumber: p.int("winner.ticketNumber", wv.TicketNumber),
			Amount:       p.decimal("winner.amount", wv.Amount),
		})
	}
	if p.err != nil {
		return nil, fmt.Errorf("invalid raffle view %s: %w", v.ID, p.err)
	}
	return r, nil
}
