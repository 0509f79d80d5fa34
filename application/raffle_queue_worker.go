package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/interfaces"
	"raffler/infrastructure/broker"
	"raffler/infrastructure/observability"
)

const retireTimeout = 10 * time.Second

// RaffleQueueWorker is the exclusive consumer of one raffle's queue. Purchases, draws and
// cancellation of the raffle are serialized through it. Once the raffle is finished the
// worker drains what is left, then cancels itself and deletes the queue.
type RaffleQueueWorker struct {
	raffleID uuid.UUID
	queue    string
	broker   broker.Broker
	tickets  interfaces.TicketService
	draws    interfaces.DrawService
	raffles  interfaces.RaffleService
	onRetire func(uuid.UUID)

	mu       sync.Mutex
	sub      *broker.Subscription
	retiring bool
	retired  bool
}

// NewRaffleQueueWorker creates the consumer of a raffle queue. onRetire is called once the
// queue has been deleted.
func NewRaffleQueueWorker(
	raffleID uuid.UUID,
	b broker.Broker,
	tickets interfaces.TicketService,
	draws interfaces.DrawService,
	raffles interfaces.RaffleService,
	onRetire func(uuid.UUID),
) *RaffleQueueWorker {
	return &RaffleQueueWorker{
		raffleID: raffleID,
		queue:    entities.RaffleQueueName(raffleID),
		broker:   b,
		tickets:  tickets,
		draws:    draws,
		raffles:  raffles,
		onRetire: onRetire,
	}
}

// Start begins consuming the raffle queue
func (w *RaffleQueueWorker) Start(ctx context.Context) error {
	sub, err := w.broker.Consume(ctx, w.queue, w.handle)
	if err != nil {
		return fmt.Errorf("failed to consume queue %s: %w", w.queue, err)
	}

	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()

	log.WithField("queue", w.queue).Info("Raffle queue worker started")
	return nil
}

// Stop cancels the consumer and waits for it to finish
func (w *RaffleQueueWorker) Stop() {
	w.mu.Lock()
	sub := w.sub
	w.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Cancel()
	<-sub.Done()
}

// Done is closed once the consumer has stopped
func (w *RaffleQueueWorker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return w.sub.Done()
}

func (w *RaffleQueueWorker) handle(ctx context.Context, d *broker.Delivery) (any, error) {
	metrics := observability.GetMetrics()
	msg, err := decodeRaffleMessage(d.Body)
	if err != nil {
		metrics.RecordRaffleMessage("invalid", err)
		w.scheduleRetireIfFinished(d)
		return nil, err
	}
	if msg.RaffleID != w.raffleID {
		err = domain.Invalid("message for raffle %s delivered to %s", msg.RaffleID, w.queue)
		metrics.RecordRaffleMessage(string(msg.Type), err)
		w.scheduleRetireIfFinished(d)
		return nil, err
	}

	var (
		result   any
		finished bool
	)
	switch msg.Type {
	case MessageBuy:
		var purchase *interfaces.PurchaseResult
		purchase, err = w.tickets.Buy(ctx, *msg.Buy)
		if err == nil {
			result = purchase
			finished = purchase.Draw != nil
			if finished {
				metrics.RecordDraw(string(purchase.Draw.Trigger))
			}
		}
	case MessageForceFinish:
		var draw *interfaces.DrawResult
		draw, err = w.draws.Finish(ctx, w.raffleID, msg.Trigger)
		if err == nil {
			result = draw
			metrics.RecordDraw(string(draw.Trigger))
		}
		// The store confirmed the raffle is closed either way
		finished = err == nil || errors.Is(err, domain.ErrRaffleFinished)
	case MessageCancel:
		var cancelled *interfaces.CancelResult
		cancelled, err = w.raffles.Cancel(ctx, w.raffleID)
		if err == nil {
			result = cancelled
		}
		finished = err == nil || errors.Is(err, domain.ErrRaffleFinished)
	}

	metrics.RecordRaffleMessage(string(msg.Type), err)

	if finished {
		w.markRetiring()
	}
	w.scheduleRetireIfFinished(d)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (w *RaffleQueueWorker) markRetiring() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.retiring {
		log.WithField("raffleID", w.raffleID).Info("Raffle finished, retiring its queue once drained")
	}
	w.retiring = true
}

// scheduleRetireIfFinished arranges a retirement attempt after d is acknowledged. A requeued
// delivery never runs the hook, so the queue is only retired once nothing is left in it.
func (w *RaffleQueueWorker) scheduleRetireIfFinished(d *broker.Delivery) {
	w.mu.Lock()
	retiring := w.retiring
	w.mu.Unlock()
	if retiring {
		d.AfterAck(w.tryRetire)
	}
}

func (w *RaffleQueueWorker) tryRetire() {
	w.mu.Lock()
	if w.retired {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), retireTimeout)
	defer cancel()

	logger := log.WithFields(log.Fields{
		"raffleID": w.raffleID,
		"queue":    w.queue,
	})

	pending, err := w.broker.Pending(ctx, w.queue)
	if err != nil && !errors.Is(err, broker.ErrQueueNotFound) {
		logger.WithError(err).Warn("Failed to inspect raffle queue, retirement postponed")
		return
	}
	if pending > 0 {
		logger.WithField("pending", pending).Debug("Draining raffle queue before retirement")
		return
	}

	// Deleting the queue ends the consumer. A message published since the check keeps the
	// queue alive and triggers another attempt once it is acked.
	deleted, err := w.broker.DeleteQueueIfEmpty(ctx, w.queue)
	if err != nil {
		logger.WithError(err).Warn("Failed to delete raffle queue, retirement postponed")
		return
	}
	if !deleted {
		logger.Debug("Raffle queue received messages, retirement postponed")
		return
	}

	w.mu.Lock()
	w.retired = true
	w.mu.Unlock()

	if w.onRetire != nil {
		w.onRetire(w.raffleID)
	}
	logger.Info("Retired raffle queue")
}
