package application

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"raffler/domain/interfaces"
	"raffler/infrastructure/broker"
	"raffler/infrastructure/observability"
)

// BalanceMutationWorker is the single consumer of the serializer queue. Every balance change
// in the system passes through it, one request at a time.
type BalanceMutationWorker struct {
	broker  broker.Broker
	queue   string
	service interfaces.BalanceService
}

// NewBalanceMutationWorker creates a new balance mutation worker
func NewBalanceMutationWorker(b broker.Broker, queue string, service interfaces.BalanceService) *BalanceMutationWorker {
	if queue == "" {
		queue = DefaultBalanceQueue
	}
	return &BalanceMutationWorker{broker: b, queue: queue, service: service}
}

// Start declares the serializer queue and begins consuming it
func (w *BalanceMutationWorker) Start(ctx context.Context) (func(), error) {
	if err := w.broker.CreateQueue(ctx, w.queue, true); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", w.queue, err)
	}

	sub, err := w.broker.Consume(ctx, w.queue, w.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to consume queue %s: %w", w.queue, err)
	}
	log.WithField("queue", w.queue).Info("Balance mutation worker started")

	return func() {
		sub.Cancel()
		<-sub.Done()
		log.Info("Balance mutation worker stopped")
	}, nil
}

func (w *BalanceMutationWorker) handle(ctx context.Context, d *broker.Delivery) (any, error) {
	req, err := decodeMutationRequest(d.Body)
	if err != nil {
		return nil, err
	}
	if d.Redelivered {
		log.WithField("requestID", req.RequestID).Debug("Processing redelivered balance mutation")
	}
	result, err := w.service.Apply(ctx, *req)
	status := ""
	if result != nil {
		status = string(result.Status)
	}
	observability.GetMetrics().RecordBalanceMutation(string(req.Kind), err, status)
	return result, err
}
