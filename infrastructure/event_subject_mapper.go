package infrastructure

import (
	"fmt"
	"strings"

	"raffler/domain/events"
)

const (
	subjectBalancePrefix  = "balances."
	subjectRaffleSnapshot = "raffles.snapshot"
	subjectRaffleFinished = "raffles.finished"
)

// EventSubjectMapper handles mapping between domain events and NATS subjects
type EventSubjectMapper struct{}

// NewEventSubjectMapper creates a new event subject mapper
func NewEventSubjectMapper() *EventSubjectMapper {
	return &EventSubjectMapper{}
}

// MapEventToSubject converts a domain event to its NATS subject. Balance changes are
// addressed to the account's own channel.
func (m *EventSubjectMapper) MapEventToSubject(event events.Event) string {
	switch e := event.(type) {
	case events.BalanceChangeEvent:
		return subjectBalancePrefix + e.AccountID.String()
	case events.RaffleSnapshotEvent:
		return subjectRaffleSnapshot
	case events.RaffleFinishedEvent:
		return subjectRaffleFinished
	default:
		return fmt.Sprintf("unknown.%s", event.Type())
	}
}

// MapSubjectToEventType converts a NATS subject back to an event type
func (m *EventSubjectMapper) MapSubjectToEventType(subject string) events.EventType {
	switch {
	case strings.HasPrefix(subject, subjectBalancePrefix):
		return events.EventTypeBalanceChange
	case subject == subjectRaffleSnapshot:
		return events.EventTypeRaffleSnapshot
	case subject == subjectRaffleFinished:
		return events.EventTypeRaffleFinished
	default:
		return events.EventType(subject)
	}
}

// GetAllSubjects returns the subject patterns this service publishes to
func (m *EventSubjectMapper) GetAllSubjects() []string {
	return []string{
		subjectBalancePrefix + "*",
		subjectRaffleSnapshot,
		subjectRaffleFinished,
	}
}
