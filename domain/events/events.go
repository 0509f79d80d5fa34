package events

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"raffler/domain/entities"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTypeBalanceChange  EventType = "balance_change"
	EventTypeRaffleSnapshot EventType = "raffle_snapshot"
	EventTypeRaffleFinished EventType = "raffle_finished"
)

// Event is the base interface for all events
type Event interface {
	Type() EventType
}

// BalanceChangeEvent is broadcast to an account's subscribers after a mutation commits
type BalanceChangeEvent struct {
	AccountID    uuid.UUID             `json:"accountId"`
	RequestID    uuid.UUID             `json:"requestId"`
	Kind         entities.MutationKind `json:"kind"`
	OldBalance   decimal.Decimal       `json:"oldBalance"`
	NewBalance   decimal.Decimal       `json:"newBalance"`
	ChangeAmount decimal.Decimal       `json:"changeAmount"`
	RaffleID     *uuid.UUID            `json:"raffleId,omitempty"`
}

func (e BalanceChangeEvent) Type() EventType {
	return EventTypeBalanceChange
}

// RaffleSnapshotEvent carries the full cache snapshot after every cache write
type RaffleSnapshotEvent struct {
	Snapshot entities.CacheSnapshot `json:"snapshot"`
}

func (e RaffleSnapshotEvent) Type() EventType {
	return EventTypeRaffleSnapshot
}

// RaffleFinishedEvent is published when a raffle ends or is cancelled
type RaffleFinishedEvent struct {
	RaffleID uuid.UUID             `json:"raffleId"`
	Status   entities.RaffleStatus `json:"status"`
	Winners  []entities.WinnerView `json:"winners"`
}

func (e RaffleFinishedEvent) Type() EventType {
	return EventTypeRaffleFinished
}
