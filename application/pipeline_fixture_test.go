package application

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"raffler/domain/entities"
	"raffler/domain/interfaces"
	"raffler/domain/services"
	"raffler/domain/testhelpers"
	"raffler/infrastructure/broker"
	"raffler/infrastructure/cache"
)

const (
	testRPCTimeout = 2 * time.Second
	eventually     = 5 * time.Second
	tick           = 10 * time.Millisecond
)

// pipeline runs every worker over the in-memory broker and store
type pipeline struct {
	t           *testing.T
	ctx         context.Context
	broker      *broker.MemoryBroker
	store       *testhelpers.MemoryStore
	publisher   *testhelpers.RecordingPublisher
	snapshots   *cache.MemorySnapshotStore
	cache       interfaces.RaffleCache
	balances    *BalanceClient
	raffles     *RaffleClient
	coordinator *RaffleCoordinator
	credits     *DeferredCreditWorker
}

func newPipeline(t *testing.T, reveal time.Duration) *pipeline {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := broker.NewMemoryBroker(broker.Options{RetryDelay: 10 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })

	publisher := testhelpers.NewRecordingPublisher()
	store := testhelpers.NewMemoryStore(publisher)
	snapshots := cache.NewMemorySnapshotStore()
	raffleCache := services.NewRaffleCacheService(snapshots, store, publisher, 10)

	balanceClient := NewBalanceClient(b, "", testRPCTimeout)
	credits := NewDeferredCreditWorker(store, balanceClient)
	numbers := services.NewSeededNumberSource(7)

	draws := services.NewDrawService(store, raffleCache, numbers, credits, reveal)
	tickets := services.NewTicketService(store, raffleCache, balanceClient, draws, numbers)
	raffleService := services.NewRaffleService(store, raffleCache, credits)

	balanceWorker := NewBalanceMutationWorker(b, "", services.NewBalanceService(store, credits))
	stopBalances, err := balanceWorker.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(stopBalances)

	coordinator := NewRaffleCoordinator(b, tickets, draws, raffleService)
	stopRaffles, err := coordinator.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(stopRaffles)

	t.Cleanup(credits.Start(ctx))

	return &pipeline{
		t:           t,
		ctx:         ctx,
		broker:      b,
		store:       store,
		publisher:   publisher,
		snapshots:   snapshots,
		cache:       raffleCache,
		balances:    balanceClient,
		raffles:     NewRaffleClient(b, testRPCTimeout),
		coordinator: coordinator,
		credits:     credits,
	}
}

// createRaffle opens a raffle with one prize per value
func (p *pipeline) createRaffle(total, price int64, prizes ...int64) *entities.Raffle {
	p.t.Helper()
	req := interfaces.CreateRaffleRequest{
		TotalTickets: total,
		TicketPrice:  decimal.NewFromInt(price),
	}
	for _, v := range prizes {
		req.Prizes = append(req.Prizes, entities.Prize{Value: decimal.NewFromInt(v)})
	}
	raffle, err := p.coordinator.Create(p.ctx, req)
	require.NoError(p.t, err)
	return raffle
}

// deposit funds a new account through the serializer
func (p *pipeline) deposit(amount int64) uuid.UUID {
	p.t.Helper()
	accountID := uuid.New()
	result, err := p.balances.Submit(p.ctx, entities.BalanceMutationRequest{
		RequestID: uuid.New(),
		AccountID: accountID,
		Kind:      entities.MutationCreditDeposit,
		Amount:    decimal.NewFromInt(amount),
		Reason:    "test deposit",
	})
	require.NoError(p.t, err)
	require.Equal(p.t, entities.MutationApplied, result.Status)
	return accountID
}

func (p *pipeline) buy(raffleID, accountID uuid.UUID, quantity int) (*interfaces.PurchaseResult, error) {
	return p.raffles.Buy(p.ctx, interfaces.BuyRequest{
		PurchaseID: uuid.New(),
		RaffleID:   raffleID,
		AccountID:  accountID,
		Quantity:   quantity,
	})
}

func (p *pipeline) buyNumbers(raffleID, accountID uuid.UUID, numbers ...int64) (*interfaces.PurchaseResult, error) {
	return p.raffles.Buy(p.ctx, interfaces.BuyRequest{
		PurchaseID:    uuid.New(),
		RaffleID:      raffleID,
		AccountID:     accountID,
		TicketNumbers: numbers,
	})
}

func (p *pipeline) balance(accountID uuid.UUID) decimal.Decimal {
	return p.store.Balance(accountID)
}

// requireBalanceEventually waits for asynchronous credits to land
func (p *pipeline) requireBalanceEventually(accountID uuid.UUID, want int64) {
	p.t.Helper()
	require.Eventually(p.t, func() bool {
		return p.balance(accountID).Equal(decimal.NewFromInt(want))
	}, eventually, tick, "balance of %s = %s, want %d", accountID, p.balance(accountID), want)
}

// requireInventoryConsistent checks the sold counter against the persisted bets
func (p *pipeline) requireInventoryConsistent(raffleID uuid.UUID) *entities.Raffle {
	p.t.Helper()
	raffle := p.store.Raffle(raffleID)
	require.NotNil(p.t, raffle)
	require.Equal(p.t, raffle.CountedTickets(), raffle.TicketsBought)
	require.LessOrEqual(p.t, raffle.TicketsBought, raffle.TotalTickets)

	seen := make(map[int64]uuid.UUID)
	for _, bet := range raffle.Bets {
		for _, n := range bet.TicketNumbers {
			owner, dup := seen[n]
			require.False(p.t, dup, "ticket %d held by %s and %s", n, owner, bet.ID)
			seen[n] = bet.ID
		}
	}
	return raffle
}

// requireQueueRetired waits until the raffle's queue and consumer are gone
func (p *pipeline) requireQueueRetired(raffleID uuid.UUID) {
	p.t.Helper()
	queue := entities.RaffleQueueName(raffleID)
	require.Eventually(p.t, func() bool {
		exists, err := p.broker.QueueExists(p.ctx, queue)
		return err == nil && !exists && !p.coordinator.IsOpen(raffleID)
	}, eventually, tick, "queue %s was not retired", queue)
}
