package application

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"raffler/domain/entities"
	"raffler/domain/interfaces"
	"raffler/infrastructure/broker"
	"raffler/infrastructure/observability"
)

// RaffleCoordinator owns the set of raffle queue workers: one per active raffle
type RaffleCoordinator struct {
	broker  broker.Broker
	tickets interfaces.TicketService
	draws   interfaces.DrawService
	raffles interfaces.RaffleService

	mu      sync.Mutex
	ctx     context.Context
	workers map[uuid.UUID]*RaffleQueueWorker
	control *broker.Subscription
}

// NewRaffleCoordinator creates a new raffle coordinator
func NewRaffleCoordinator(
	b broker.Broker,
	tickets interfaces.TicketService,
	draws interfaces.DrawService,
	raffles interfaces.RaffleService,
) *RaffleCoordinator {
	return &RaffleCoordinator{
		broker:  b,
		tickets: tickets,
		draws:   draws,
		raffles: raffles,
		ctx:     context.Background(),
		workers: make(map[uuid.UUID]*RaffleQueueWorker),
	}
}

// Start re-attaches a consumer to every active raffle. Workers opened later live as long as ctx.
func (c *RaffleCoordinator) Start(ctx context.Context) (func(), error) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	active, err := c.raffles.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active raffles: %w", err)
	}
	for _, raffle := range active {
		if err := c.Open(ctx, raffle.ID); err != nil {
			return nil, err
		}
	}

	if err := c.broker.CreateQueue(ctx, ControlQueue, true); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", ControlQueue, err)
	}
	sub, err := c.broker.Consume(ctx, ControlQueue, c.handleControl)
	if err != nil {
		return nil, fmt.Errorf("failed to consume queue %s: %w", ControlQueue, err)
	}
	c.mu.Lock()
	c.control = sub
	c.mu.Unlock()

	log.WithField("raffles", len(active)).Info("Raffle coordinator started")

	return c.Stop, nil
}

// Create persists a new raffle, declares its queue and starts its consumer
func (c *RaffleCoordinator) Create(ctx context.Context, req interfaces.CreateRaffleRequest) (*entities.Raffle, error) {
	raffle, err := c.raffles.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.Open(ctx, raffle.ID); err != nil {
		// The raffle is active in the store, so the next Start opens it again
		return nil, err
	}
	return raffle, nil
}

func (c *RaffleCoordinator) handleControl(ctx context.Context, d *broker.Delivery) (any, error) {
	req, err := decodeCreateRequest(d.Body)
	if err != nil {
		return nil, err
	}
	return c.Create(ctx, *req)
}

// Open declares a raffle's queue and starts its consumer if none is running
func (c *RaffleCoordinator) Open(ctx context.Context, raffleID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.workers[raffleID]; ok {
		return nil
	}

	queue := entities.RaffleQueueName(raffleID)
	if err := c.broker.CreateQueue(ctx, queue, true); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	worker := NewRaffleQueueWorker(raffleID, c.broker, c.tickets, c.draws, c.raffles, c.forget)
	if err := worker.Start(c.ctx); err != nil {
		return err
	}
	c.workers[raffleID] = worker
	observability.GetMetrics().UpdateOpenQueues(1)
	return nil
}

// IsOpen reports whether a consumer is running for the raffle
func (c *RaffleCoordinator) IsOpen(raffleID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.workers[raffleID]
	return ok
}

// forget drops a retired worker. Runs on the worker's own consumer goroutine.
func (c *RaffleCoordinator) forget(raffleID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.workers[raffleID]; ok {
		delete(c.workers, raffleID)
		observability.GetMetrics().UpdateOpenQueues(-1)
	}
}

// Stop cancels every raffle consumer and waits for them
func (c *RaffleCoordinator) Stop() {
	c.mu.Lock()
	control := c.control
	c.control = nil
	workers := make([]*RaffleQueueWorker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	if control != nil {
		control.Cancel()
		<-control.Done()
	}

	for _, w := range workers {
		w.Stop()
	}
	log.WithField("raffles", len(workers)).Info("Raffle coordinator stopped")
}
