package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/interfaces"
	"raffler/domain/testhelpers"
	"raffler/infrastructure/cache"
)

const testRevealDuration = 30 * time.Second

// serialMutator drives the balance service in-process, one request at a time, the way the
// serializer's single consumer does
type serialMutator struct {
	mu       sync.Mutex
	service  interfaces.BalanceService
	enqueued []entities.BalanceMutationRequest

	// timeouts makes the next Submit calls report ErrRPCTimeout; when applyBeforeTimeout is
	// set the debit is still applied, as when the reply is lost rather than the request
	timeouts           int
	applyBeforeTimeout bool
	enqueueErr         error
}

func (m *serialMutator) Submit(ctx context.Context, req entities.BalanceMutationRequest) (*entities.MutationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timeouts > 0 {
		m.timeouts--
		if m.applyBeforeTimeout {
			_, _ = m.service.Apply(ctx, req)
		}
		return nil, domain.ErrRPCTimeout
	}
	return m.service.Apply(ctx, req)
}

func (m *serialMutator) Enqueue(ctx context.Context, req entities.BalanceMutationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.enqueued = append(m.enqueued, req)
	_, err := m.service.Apply(ctx, req)
	return err
}

func (m *serialMutator) Enqueued() []entities.BalanceMutationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]entities.BalanceMutationRequest(nil), m.enqueued...)
}

// sequenceSource returns preset values, cycling when exhausted
type sequenceSource struct {
	mu     sync.Mutex
	values []int64
	next   int
}

func (s *sequenceSource) Int63n(n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[s.next%len(s.values)]
	s.next++
	return v % n, nil
}

// PipelineFixture wires the services over an in-memory store and snapshot store
type PipelineFixture struct {
	T         *testing.T
	Ctx       context.Context
	Store     *testhelpers.MemoryStore
	Snapshots *cache.MemorySnapshotStore
	Publisher *testhelpers.RecordingPublisher
	Balances  *serialMutator
	Cache     interfaces.RaffleCache
	Draws     interfaces.DrawService
	Tickets   interfaces.TicketService
	Raffles   interfaces.RaffleService
	Now       time.Time
}

// NewPipelineFixture creates a fixture with a seeded number source
func NewPipelineFixture(t *testing.T) *PipelineFixture {
	return newPipelineFixture(t, NewSeededNumberSource(42))
}

func newPipelineFixture(t *testing.T, numbers interfaces.NumberSource) *PipelineFixture {
	t.Helper()

	publisher := testhelpers.NewRecordingPublisher()
	store := testhelpers.NewMemoryStore(publisher)
	snapshots := cache.NewMemorySnapshotStore()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	balance := NewBalanceService(store, nil).(*balanceService)
	balance.now = clock
	mutator := &serialMutator{service: balance}

	raffleCache := NewRaffleCacheService(snapshots, store, publisher, 10)

	draws := NewDrawService(store, raffleCache, numbers, nil, testRevealDuration).(*drawService)
	draws.now = clock

	tickets := NewTicketService(store, raffleCache, mutator, draws, numbers).(*ticketService)
	tickets.now = clock

	raffles := NewRaffleService(store, raffleCache, nil).(*raffleService)
	raffles.now = clock

	return &PipelineFixture{
		T:         t,
		Ctx:       context.Background(),
		Store:     store,
		Snapshots: snapshots,
		Publisher: publisher,
		Balances:  mutator,
		Cache:     raffleCache,
		Draws:     draws,
		Tickets:   tickets,
		Raffles:   raffles,
		Now:       now,
	}
}

// CreateRaffle creates an active raffle with one prize per value
func (f *PipelineFixture) CreateRaffle(total int64, price int64, prizes ...int64) *entities.Raffle {
	f.T.Helper()
	req := interfaces.CreateRaffleRequest{
		TotalTickets: total,
		TicketPrice:  decimal.NewFromInt(price),
	}
	for _, p := range prizes {
		req.Prizes = append(req.Prizes, entities.Prize{Value: decimal.NewFromInt(p)})
	}
	raffle, err := f.Raffles.Create(f.Ctx, req)
	require.NoError(f.T, err)
	return raffle
}

// FundAccount creates an account holding balance
func (f *PipelineFixture) FundAccount(balance int64) uuid.UUID {
	f.T.Helper()
	id := uuid.New()
	f.Store.SeedAccount(id, decimal.NewFromInt(balance))
	return id
}

// Buy purchases quantity random tickets
func (f *PipelineFixture) Buy(raffleID, accountID uuid.UUID, quantity int) (*interfaces.PurchaseResult, error) {
	return f.Tickets.Buy(f.Ctx, interfaces.BuyRequest{
		PurchaseID: uuid.New(),
		RaffleID:   raffleID,
		AccountID:  accountID,
		Quantity:   quantity,
	})
}

// RequireBalance asserts the committed balance of an account
func (f *PipelineFixture) RequireBalance(accountID uuid.UUID, want int64) {
	f.T.Helper()
	got := f.Store.Balance(accountID)
	require.True(f.T, decimal.NewFromInt(want).Equal(got), "balance = %s, want %d", got, want)
}

// RequireInventoryConsistent checks the ticket invariants of a committed raffle
func (f *PipelineFixture) RequireInventoryConsistent(raffleID uuid.UUID) *entities.Raffle {
	f.T.Helper()
	raffle := f.Store.Raffle(raffleID)
	require.NotNil(f.T, raffle)
	require.Equal(f.T, raffle.CountedTickets(), raffle.TicketsBought)
	require.LessOrEqual(f.T, raffle.TicketsBought, raffle.TotalTickets)
	seen := make(map[int64]uuid.UUID)
	for _, bet := range raffle.Bets {
		for _, n := range bet.TicketNumbers {
			owner, dup := seen[n]
			require.False(f.T, dup, "ticket %d held by %s and %s", n, owner, bet.ID)
			require.True(f.T, n >= 1 && n <= raffle.TotalTickets)
			seen[n] = bet.ID
		}
	}
	return raffle
}
