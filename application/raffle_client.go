package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/interfaces"
	"raffler/infrastructure/broker"
	"raffler/infrastructure/observability"
)

// RaffleClient sends operations to raffle queues
type RaffleClient struct {
	broker  broker.Broker
	timeout time.Duration
}

// NewRaffleClient creates a client whose calls wait at most timeout for a reply
func NewRaffleClient(b broker.Broker, timeout time.Duration) *RaffleClient {
	return &RaffleClient{broker: b, timeout: timeout}
}

// Create asks the coordinator to open a new raffle and waits for it
func (c *RaffleClient) Create(ctx context.Context, req interfaces.CreateRaffleRequest) (*entities.Raffle, error) {
	// A fixed id lets the coordinator recognise a redelivered create
	if req.ID == nil {
		id := uuid.New()
		req.ID = &id
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode create request: %w", err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	reply, err := c.broker.RPC(rpcCtx, ControlQueue, body)
	observability.GetMetrics().RecordRPC(observability.QueueControl, err, time.Since(start))
	if err != nil {
		if errors.Is(err, domain.ErrRPCTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to reach raffle coordinator: %w", err)
	}
	var raffle entities.Raffle
	if err := reply.Decode(&raffle); err != nil {
		return nil, err
	}
	return &raffle, nil
}

// Buy submits a purchase to the raffle's queue and waits for the outcome
func (c *RaffleClient) Buy(ctx context.Context, req interfaces.BuyRequest) (*interfaces.PurchaseResult, error) {
	if req.PurchaseID == uuid.Nil {
		req.PurchaseID = uuid.New()
	}
	var result interfaces.PurchaseResult
	if err := c.call(ctx, NewBuyMessage(req), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Finish asks the raffle's consumer to draw now and waits for the result
func (c *RaffleClient) Finish(ctx context.Context, raffleID uuid.UUID, trigger interfaces.DrawTrigger) (*interfaces.DrawResult, error) {
	var result interfaces.DrawResult
	if err := c.call(ctx, NewFinishMessage(raffleID, trigger), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel asks the raffle's consumer to cancel the raffle and waits for the result
func (c *RaffleClient) Cancel(ctx context.Context, raffleID uuid.UUID) (*interfaces.CancelResult, error) {
	var result interfaces.CancelResult
	if err := c.call(ctx, NewCancelMessage(raffleID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Post publishes a message without waiting for it to be processed
func (c *RaffleClient) Post(ctx context.Context, msg RaffleMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	if err := c.broker.Publish(ctx, entities.RaffleQueueName(msg.RaffleID), body); err != nil {
		return mapQueueError(err)
	}
	return nil
}

func (c *RaffleClient) call(ctx context.Context, msg RaffleMessage, out any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	reply, err := c.broker.RPC(rpcCtx, entities.RaffleQueueName(msg.RaffleID), body)
	observability.GetMetrics().RecordRPC(observability.QueueRaffle, err, time.Since(start))
	if err != nil {
		return mapQueueError(err)
	}
	return reply.Decode(out)
}

// mapQueueError reports a missing raffle queue as a finished raffle; queues only disappear
// once their raffle has been drawn or cancelled.
func mapQueueError(err error) error {
	if errors.Is(err, broker.ErrQueueNotFound) {
		return domain.WithCause(domain.ErrRaffleFinished, err)
	}
	if errors.Is(err, domain.ErrRPCTimeout) {
		return err
	}
	return fmt.Errorf("failed to reach raffle queue: %w", err)
}
