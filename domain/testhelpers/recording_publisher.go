package testhelpers

import (
	"sync"

	"raffler/domain/events"
)

// RecordingPublisher collects published events for assertions
type RecordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

// NewRecordingPublisher creates an empty recording publisher
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

func (p *RecordingPublisher) Publish(event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns every recorded event of the given type
func (p *RecordingPublisher) Events(eventType events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type() == eventType {
			out = append(out, e)
		}
	}
	return out
}

// BalanceChanges returns every recorded balance change event
func (p *RecordingPublisher) BalanceChanges() []events.BalanceChangeEvent {
	var out []events.BalanceChangeEvent
	for _, e := range p.Events(events.EventTypeBalanceChange) {
		out = append(out, e.(events.BalanceChangeEvent))
	}
	return out
}

// LastSnapshot returns the most recent snapshot broadcast, or nil
func (p *RecordingPublisher) LastSnapshot() *events.RaffleSnapshotEvent {
	recorded := p.Events(events.EventTypeRaffleSnapshot)
	if len(recorded) == 0 {
		return nil
	}
	last := recorded[len(recorded)-1].(events.RaffleSnapshotEvent)
	return &last
}

// All returns every recorded event in publish order
func (p *RecordingPublisher) All() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}
