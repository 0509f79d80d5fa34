package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"raffler/domain"
	"raffler/domain/entities"
	"raffler/infrastructure/broker"
	"raffler/infrastructure/observability"
)

// BalanceClient sends mutation requests to the serializer queue
type BalanceClient struct {
	broker  broker.Broker
	queue   string
	timeout time.Duration
}

// NewBalanceClient creates a client for the serializer queue. Every Submit waits at most timeout.
func NewBalanceClient(b broker.Broker, queue string, timeout time.Duration) *BalanceClient {
	if queue == "" {
		queue = DefaultBalanceQueue
	}
	return &BalanceClient{broker: b, queue: queue, timeout: timeout}
}

// Submit sends a request and waits for the serializer's outcome
func (c *BalanceClient) Submit(ctx context.Context, req entities.BalanceMutationRequest) (*entities.MutationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mutation %s: %w", req.RequestID, err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	reply, err := c.broker.RPC(rpcCtx, c.queue, body)
	observability.GetMetrics().RecordRPC(observability.QueueBalance, err, time.Since(start))
	if err != nil {
		if errors.Is(err, domain.ErrRPCTimeout) {
			log.WithFields(log.Fields{
				"requestID": req.RequestID,
				"kind":      req.Kind,
				"timeout":   c.timeout,
			}).Warn("Balance mutation reply timed out")
			return nil, err
		}
		return nil, fmt.Errorf("failed to submit mutation %s: %w", req.RequestID, err)
	}

	var result entities.MutationResult
	if err := reply.Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Enqueue sends a request without waiting for it to be applied
func (c *BalanceClient) Enqueue(ctx context.Context, req entities.BalanceMutationRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode mutation %s: %w", req.RequestID, err)
	}
	if err := c.broker.Publish(ctx, c.queue, body); err != nil {
		return fmt.Errorf("failed to enqueue mutation %s: %w", req.RequestID, err)
	}
	return nil
}
