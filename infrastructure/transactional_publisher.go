package infrastructure

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"raffler/domain/events"
	"raffler/domain/interfaces"
)

// TransactionalPublisher holds events until the owning transaction commits, then hands
// them to the real publisher
type TransactionalPublisher struct {
	realPublisher interfaces.EventPublisher

	mu      sync.Mutex
	pending []events.Event
}

// NewTransactionalPublisher creates a new transactional publisher
func NewTransactionalPublisher(realPublisher interfaces.EventPublisher) *TransactionalPublisher {
	return &TransactionalPublisher{
		realPublisher: realPublisher,
		pending:       make([]events.Event, 0),
	}
}

// Publish queues an event without publishing it
func (p *TransactionalPublisher) Publish(event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	log.WithFields(log.Fields{
		"eventType":    event.Type(),
		"pendingCount": len(p.pending),
	}).Debug("Queued event until commit")

	p.pending = append(p.pending, event)
	return nil
}

// Flush publishes all pending events. Individual failures are logged and skipped since the
// transaction has already committed.
func (p *TransactionalPublisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	pending := p.pending
	p.pending = make([]events.Event, 0)
	p.mu.Unlock()

	for _, event := range pending {
		if err := p.realPublisher.Publish(event); err != nil {
			log.WithFields(log.Fields{
				"eventType": event.Type(),
				"error":     err,
			}).Error("Failed to publish event during flush")
		}
	}

	return nil
}

// Discard clears all pending events without publishing them
func (p *TransactionalPublisher) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()

	log.WithField("discardedEventCount", len(p.pending)).Debug("Discarding pending events")
	p.pending = make([]events.Event, 0)
}

// Pending returns the number of queued events
func (p *TransactionalPublisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
