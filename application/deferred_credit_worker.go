package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"raffler/domain/interfaces"
	"raffler/infrastructure/observability"
)

const (
	deferredCreditBatchSize = 100
	deferredCreditIdleCheck = time.Hour
	deferredCreditRetry     = 5 * time.Second
)

// DeferredCreditWorker hands stored deferred credits to the serializer once they are due.
// Credits are durable, so a restart only delays them until the worker starts again.
type DeferredCreditWorker struct {
	uowFactory interfaces.UnitOfWorkFactory
	balances   interfaces.BalanceMutator
	wake       chan struct{}
	now        func() time.Time
}

// NewDeferredCreditWorker creates a new deferred credit worker
func NewDeferredCreditWorker(uowFactory interfaces.UnitOfWorkFactory, balances interfaces.BalanceMutator) *DeferredCreditWorker {
	return &DeferredCreditWorker{
		uowFactory: uowFactory,
		balances:   balances,
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// SetBalanceMutator replaces the mutator credits are dispatched to. Must be called before Start.
func (w *DeferredCreditWorker) SetBalanceMutator(balances interfaces.BalanceMutator) {
	w.balances = balances
}

// Notify wakes the worker to re-read the next due time
func (w *DeferredCreditWorker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start begins the deferred credit worker
func (w *DeferredCreditWorker) Start(ctx context.Context) func() {
	stopChan := make(chan struct{})

	go func() {
		log.Info("Deferred credit worker started")

		for {
			_, dispatchErr := w.DispatchDue(ctx)
			if dispatchErr != nil {
				log.Errorf("Error dispatching deferred credits: %v", dispatchErr)
			}

			wait := deferredCreditIdleCheck
			next, err := w.nextDue(ctx)
			if err != nil {
				log.Errorf("Failed to get next deferred credit time: %v", err)
				wait = deferredCreditRetry
			} else if next != nil {
				wait = next.Sub(w.now())
				if wait <= 0 && dispatchErr == nil {
					continue
				}
				if wait <= 0 {
					wait = deferredCreditRetry
				}
				if wait > deferredCreditIdleCheck {
					wait = deferredCreditIdleCheck
				}
				log.Debugf("Next deferred credit due at %v (in %v)", next.UTC(), wait)
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				log.Info("Deferred credit worker shutting down (context cancelled)...")
				return
			case <-stopChan:
				timer.Stop()
				log.Info("Deferred credit worker shutting down (stop requested)...")
				return
			case <-w.wake:
				timer.Stop()
			case <-timer.C:
			}
		}
	}()

	return func() {
		close(stopChan)
	}
}

// DispatchDue enqueues every credit due now and marks it dispatched. Returns how many were sent.
func (w *DeferredCreditWorker) DispatchDue(ctx context.Context) (int, error) {
	now := w.now()

	uow := w.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	due, err := uow.DeferredCreditRepository().ListDue(ctx, now, deferredCreditBatchSize)
	uow.Rollback()
	if err != nil {
		return 0, fmt.Errorf("failed to list due credits: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	log.Infof("Found %d due deferred credits", len(due))

	sent := 0
	defer func() {
		observability.GetMetrics().RecordDeferredCreditsDispatched(sent)
	}()
	for _, credit := range due {
		// The serializer deduplicates by request id, so a credit enqueued but not marked is
		// harmless when it is sent again
		// Due by this worker's clock; the serializer must not defer it again
		req := credit.Request
		req.NotBefore = nil
		if err := w.balances.Enqueue(ctx, req); err != nil {
			return sent, fmt.Errorf("failed to enqueue deferred credit %s: %w", credit.RequestID, err)
		}
		if err := w.markDispatched(ctx, credit.RequestID); err != nil {
			return sent, err
		}
		sent++

		log.WithFields(log.Fields{
			"requestID": credit.RequestID,
			"accountID": credit.AccountID,
			"kind":      credit.Request.Kind,
			"amount":    credit.Request.Amount,
		}).Info("Dispatched deferred credit")
	}

	if len(due) == deferredCreditBatchSize {
		w.Notify()
	}
	return sent, nil
}

func (w *DeferredCreditWorker) markDispatched(ctx context.Context, requestID uuid.UUID) error {
	uow := w.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := uow.DeferredCreditRepository().MarkDispatched(ctx, requestID, w.now()); err != nil {
		return fmt.Errorf("failed to mark credit %s dispatched: %w", requestID, err)
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit credit %s: %w", requestID, err)
	}
	return nil
}

func (w *DeferredCreditWorker) nextDue(ctx context.Context) (*time.Time, error) {
	uow := w.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.DeferredCreditRepository().NextDue(ctx)
}
