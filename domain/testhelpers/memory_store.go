package testhelpers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/events"
	"raffler/domain/interfaces"
)

// MemoryStore is an in-memory transactional store implementing UnitOfWorkFactory.
// Transactions are fully serialized: Begin holds the store lock until Commit or Rollback,
// and writes go to a private copy that replaces the committed state on Commit.
type MemoryStore struct {
	txLock sync.Mutex

	mu             sync.Mutex
	state          *memoryState
	publisher      interfaces.EventPublisher
	commitFailures []error
	betFailures    []error
	commits        int
}

type ticketKey struct {
	raffleID uuid.UUID
	number   int64
}

type memoryState struct {
	accounts      map[uuid.UUID]entities.Account
	raffles       map[uuid.UUID]entities.Raffle
	bets          map[uuid.UUID]entities.Bet
	betOrder      []uuid.UUID
	tickets       map[ticketKey]uuid.UUID
	winners       map[uuid.UUID][]entities.Winner
	history       []entities.BalanceHistory
	nextHistoryID int64
	deferred      map[uuid.UUID]entities.DeferredCredit
}

func newMemoryState() *memoryState {
	return &memoryState{
		accounts:      make(map[uuid.UUID]entities.Account),
		raffles:       make(map[uuid.UUID]entities.Raffle),
		bets:          make(map[uuid.UUID]entities.Bet),
		tickets:       make(map[ticketKey]uuid.UUID),
		winners:       make(map[uuid.UUID][]entities.Winner),
		deferred:      make(map[uuid.UUID]entities.DeferredCredit),
		nextHistoryID: 1,
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.raffles {
		c.raffles[k] = copyRaffle(v)
	}
	for k, v := range s.bets {
		c.bets[k] = copyBet(v)
	}
	c.betOrder = append([]uuid.UUID(nil), s.betOrder...)
	for k, v := range s.tickets {
		c.tickets[k] = v
	}
	for k, v := range s.winners {
		c.winners[k] = append([]entities.Winner(nil), v...)
	}
	c.history = append([]entities.BalanceHistory(nil), s.history...)
	c.nextHistoryID = s.nextHistoryID
	for k, v := range s.deferred {
		c.deferred[k] = v
	}
	return c
}

func copyRaffle(r entities.Raffle) entities.Raffle {
	r.Prizes = append([]entities.Prize(nil), r.Prizes...)
	r.Bets = nil
	r.Winners = nil
	return r
}

func copyBet(b entities.Bet) entities.Bet {
	b.TicketNumbers = append([]int64(nil), b.TicketNumbers...)
	return b
}

// NewMemoryStore creates an empty store. publisher receives events flushed after commit and may be nil.
func NewMemoryStore(publisher interfaces.EventPublisher) *MemoryStore {
	return &MemoryStore{state: newMemoryState(), publisher: publisher}
}

// Create returns a new unit of work
func (s *MemoryStore) Create() interfaces.UnitOfWork {
	return &memoryUnitOfWork{store: s}
}

// FailNextCommit makes the next commit fail with err
func (s *MemoryStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitFailures = append(s.commitFailures, err)
}

// FailNextBetCreate makes the next bet insert fail with err
func (s *MemoryStore) FailNextBetCreate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.betFailures = append(s.betFailures, err)
}

// Commits returns the number of successful commits
func (s *MemoryStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *MemoryStore) popCommitFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commitFailures) == 0 {
		return nil
	}
	err := s.commitFailures[0]
	s.commitFailures = s.commitFailures[1:]
	return err
}

func (s *MemoryStore) popBetFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.betFailures) == 0 {
		return nil
	}
	err := s.betFailures[0]
	s.betFailures = s.betFailures[1:]
	return err
}

func (s *MemoryStore) committed() *memoryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SeedAccount stores an account with the given balance
func (s *MemoryStore) SeedAccount(id uuid.UUID, balance decimal.Decimal) {
	s.txLock.Lock()
	defer s.txLock.Unlock()
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.accounts[id] = entities.Account{ID: id, Balance: balance, CreatedAt: now, UpdatedAt: now}
}

// SeedRaffle stores a raffle together with its bets and winners
func (s *MemoryStore) SeedRaffle(r *entities.Raffle) {
	s.txLock.Lock()
	defer s.txLock.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.state.raffles[r.ID] = copyRaffle(*r)
	for _, bet := range r.Bets {
		s.state.bets[bet.ID] = copyBet(*bet)
		s.state.betOrder = append(s.state.betOrder, bet.ID)
		for _, n := range bet.TicketNumbers {
			s.state.tickets[ticketKey{r.ID, n}] = bet.ID
		}
	}
	for _, w := range r.Winners {
		s.state.winners[r.ID] = append(s.state.winners[r.ID], *w)
	}
}

// Account returns the committed account, or nil
func (s *MemoryStore) Account(id uuid.UUID) *entities.Account {
	st := s.committed()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := st.accounts[id]
	if !ok {
		return nil
	}
	return &a
}

// Balance returns the committed balance of an account, zero if missing
func (s *MemoryStore) Balance(id uuid.UUID) decimal.Decimal {
	if a := s.Account(id); a != nil {
		return a.Balance
	}
	return decimal.Zero
}

// Raffle returns the committed raffle with bets and winners, or nil
func (s *MemoryStore) Raffle(id uuid.UUID) *entities.Raffle {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.raffles[id]
	if !ok {
		return nil
	}
	raffle := copyRaffle(r)
	for _, betID := range s.state.betOrder {
		if b := s.state.bets[betID]; b.RaffleID == id {
			bet := copyBet(b)
			raffle.Bets = append(raffle.Bets, &bet)
		}
	}
	for _, w := range s.state.winners[id] {
		w := w
		raffle.Winners = append(raffle.Winners, &w)
	}
	return &raffle
}

// History returns the committed ledger of an account, oldest first
func (s *MemoryStore) History(accountID uuid.UUID) []entities.BalanceHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.BalanceHistory
	for _, h := range s.state.history {
		if h.AccountID == accountID {
			out = append(out, h)
		}
	}
	return out
}

// DeferredCredits returns every committed deferred credit ordered by due time
func (s *MemoryStore) DeferredCredits() []entities.DeferredCredit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entities.DeferredCredit, 0, len(s.state.deferred))
	for _, dc := range s.state.deferred {
		out = append(out, dc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotBefore.Before(out[j].NotBefore) })
	return out
}

// memoryUnitOfWork implements interfaces.UnitOfWork over a MemoryStore
type memoryUnitOfWork struct {
	store   *MemoryStore
	work    *memoryState
	pending []events.Event
	begun   bool
}

func (u *memoryUnitOfWork) Begin(ctx context.Context) error {
	if u.begun {
		return fmt.Errorf("transaction already started")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	u.store.txLock.Lock()
	u.work = u.store.committed().clone()
	u.begun = true
	return nil
}

func (u *memoryUnitOfWork) Commit() error {
	if !u.begun {
		return fmt.Errorf("no transaction to commit")
	}
	defer u.finish()
	if err := u.store.popCommitFailure(); err != nil {
		u.pending = nil
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	u.store.mu.Lock()
	u.store.state = u.work
	u.store.commits++
	u.store.mu.Unlock()

	if u.store.publisher != nil {
		for _, event := range u.pending {
			_ = u.store.publisher.Publish(event)
		}
	}
	u.pending = nil
	return nil
}

func (u *memoryUnitOfWork) Rollback() error {
	if !u.begun {
		return nil
	}
	u.pending = nil
	u.finish()
	return nil
}

func (u *memoryUnitOfWork) finish() {
	u.work = nil
	u.begun = false
	u.store.txLock.Unlock()
}

func (u *memoryUnitOfWork) state() *memoryState {
	if !u.begun {
		panic("unit of work not started - call Begin() first")
	}
	return u.work
}

func (u *memoryUnitOfWork) AccountRepository() interfaces.AccountRepository {
	return &memoryAccountRepository{st: u.state()}
}

func (u *memoryUnitOfWork) RaffleRepository() interfaces.RaffleRepository {
	return &memoryRaffleRepository{st: u.state()}
}

func (u *memoryUnitOfWork) BetRepository() interfaces.BetRepository {
	return &memoryBetRepository{st: u.state(), store: u.store}
}

func (u *memoryUnitOfWork) WinnerRepository() interfaces.WinnerRepository {
	return &memoryWinnerRepository{st: u.state()}
}

func (u *memoryUnitOfWork) BalanceHistoryRepository() interfaces.BalanceHistoryRepository {
	return &memoryBalanceHistoryRepository{st: u.state()}
}

func (u *memoryUnitOfWork) DeferredCreditRepository() interfaces.DeferredCreditRepository {
	return &memoryDeferredCreditRepository{st: u.state()}
}

func (u *memoryUnitOfWork) EventBus() interfaces.EventPublisher {
	u.state()
	return publisherFunc(func(event events.Event) error {
		u.pending = append(u.pending, event)
		return nil
	})
}

type publisherFunc func(events.Event) error

func (f publisherFunc) Publish(event events.Event) error { return f(event) }

type memoryAccountRepository struct{ st *memoryState }

func (r *memoryAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Account, error) {
	a, ok := r.st.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r *memoryAccountRepository) Create(ctx context.Context, id uuid.UUID) (*entities.Account, error) {
	if _, ok := r.st.accounts[id]; ok {
		return nil, fmt.Errorf("account %s already exists", id)
	}
	now := time.Now()
	a := entities.Account{ID: id, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	r.st.accounts[id] = a
	return &a, nil
}

func (r *memoryAccountRepository) UpdateBalance(ctx context.Context, id uuid.UUID, newBalance decimal.Decimal) error {
	a, ok := r.st.accounts[id]
	if !ok {
		return fmt.Errorf("account %s not found", id)
	}
	if newBalance.IsNegative() {
		return errors.New("balance check constraint violated")
	}
	a.Balance = newBalance
	a.UpdatedAt = time.Now()
	r.st.accounts[id] = a
	return nil
}

type memoryRaffleRepository struct{ st *memoryState }

func (r *memoryRaffleRepository) Create(ctx context.Context, raffle *entities.Raffle) error {
	if _, ok := r.st.raffles[raffle.ID]; ok {
		return fmt.Errorf("raffle %s already exists", raffle.ID)
	}
	if raffle.CreatedAt.IsZero() {
		raffle.CreatedAt = time.Now()
	}
	r.st.raffles[raffle.ID] = copyRaffle(*raffle)
	return nil
}

func (r *memoryRaffleRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Raffle, error) {
	raffle, ok := r.st.raffles[id]
	if !ok {
		return nil, nil
	}
	c := copyRaffle(raffle)
	return &c, nil
}

func (r *memoryRaffleRepository) IncrementTicketsBought(ctx context.Context, id uuid.UUID, count int64) (int64, int64, error) {
	raffle, ok := r.st.raffles[id]
	if !ok || raffle.Status != entities.RaffleStatusActive {
		return 0, 0, domain.ErrRaffleFinished
	}
	if raffle.TicketsBought+count > raffle.TotalTickets {
		return 0, 0, domain.ErrNotEnoughTickets
	}
	raffle.TicketsBought += count
	raffle.Version++
	r.st.raffles[id] = raffle
	return raffle.TicketsBought, raffle.Version, nil
}

func (r *memoryRaffleRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status entities.RaffleStatus, endedAt time.Time) (int64, error) {
	raffle, ok := r.st.raffles[id]
	if !ok || raffle.Status != entities.RaffleStatusActive {
		return 0, domain.ErrRaffleFinished
	}
	raffle.Status = status
	raffle.EndedAt = &endedAt
	raffle.Version++
	r.st.raffles[id] = raffle
	return raffle.Version, nil
}

func (r *memoryRaffleRepository) list(match func(entities.Raffle) bool) []*entities.Raffle {
	var out []*entities.Raffle
	for _, raffle := range r.st.raffles {
		if match(raffle) {
			c := copyRaffle(raffle)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memoryRaffleRepository) ListByStatus(ctx context.Context, status entities.RaffleStatus) ([]*entities.Raffle, error) {
	return r.list(func(raffle entities.Raffle) bool { return raffle.Status == status }), nil
}

func (r *memoryRaffleRepository) ListFinished(ctx context.Context, limit int) ([]*entities.Raffle, error) {
	out := r.list(func(raffle entities.Raffle) bool { return raffle.Status.IsFinal() })
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndedAt.After(*out[j].EndedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRaffleRepository) ListExpired(ctx context.Context, now time.Time) ([]*entities.Raffle, error) {
	return r.list(func(raffle entities.Raffle) bool { return raffle.IsActive() && raffle.IsExpiredAt(now) }), nil
}

type memoryBetRepository struct {
	st    *memoryState
	store *MemoryStore
}

func (r *memoryBetRepository) Create(ctx context.Context, bet *entities.Bet) error {
	if err := r.store.popBetFailure(); err != nil {
		return fmt.Errorf("failed to create bet: %w", err)
	}
	if _, ok := r.st.bets[bet.ID]; ok {
		return fmt.Errorf("bet %s already exists", bet.ID)
	}
	for _, n := range bet.TicketNumbers {
		if _, taken := r.st.tickets[ticketKey{bet.RaffleID, n}]; taken {
			return domain.WithCause(domain.ErrTicketTaken, fmt.Errorf("ticket %d", n))
		}
	}
	if bet.CreatedAt.IsZero() {
		bet.CreatedAt = time.Now()
	}
	r.st.bets[bet.ID] = copyBet(*bet)
	r.st.betOrder = append(r.st.betOrder, bet.ID)
	for _, n := range bet.TicketNumbers {
		r.st.tickets[ticketKey{bet.RaffleID, n}] = bet.ID
	}
	return nil
}

func (r *memoryBetRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Bet, error) {
	bet, ok := r.st.bets[id]
	if !ok {
		return nil, nil
	}
	c := copyBet(bet)
	return &c, nil
}

func (r *memoryBetRepository) GetByRaffle(ctx context.Context, raffleID uuid.UUID) ([]*entities.Bet, error) {
	var out []*entities.Bet
	for _, id := range r.st.betOrder {
		if bet := r.st.bets[id]; bet.RaffleID == raffleID {
			c := copyBet(bet)
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memoryBetRepository) AttachPrize(ctx context.Context, betID uuid.UUID, amount decimal.Decimal) error {
	bet, ok := r.st.bets[betID]
	if !ok {
		return fmt.Errorf("bet %s not found", betID)
	}
	bet.AttachPrize(amount)
	r.st.bets[betID] = bet
	return nil
}

type memoryWinnerRepository struct{ st *memoryState }

func (r *memoryWinnerRepository) CreateBatch(ctx context.Context, winners []*entities.Winner) error {
	for _, w := range winners {
		for _, existing := range r.st.winners[w.RaffleID] {
			if existing.PrizeIndex == w.PrizeIndex {
				return fmt.Errorf("prize %d of raffle %s already drawn", w.PrizeIndex, w.RaffleID)
			}
		}
		if w.CreatedAt.IsZero() {
			w.CreatedAt = time.Now()
		}
		r.st.winners[w.RaffleID] = append(r.st.winners[w.RaffleID], *w)
	}
	return nil
}

func (r *memoryWinnerRepository) GetByRaffle(ctx context.Context, raffleID uuid.UUID) ([]*entities.Winner, error) {
	var out []*entities.Winner
	for _, w := range r.st.winners[raffleID] {
		w := w
		out = append(out, &w)
	}
	return out, nil
}

type memoryBalanceHistoryRepository struct{ st *memoryState }

func (r *memoryBalanceHistoryRepository) Record(ctx context.Context, history *entities.BalanceHistory) error {
	for _, h := range r.st.history {
		if h.RequestID == history.RequestID {
			return fmt.Errorf("duplicate request id %s", history.RequestID)
		}
	}
	history.ID = r.st.nextHistoryID
	r.st.nextHistoryID++
	history.CreatedAt = time.Now()
	r.st.history = append(r.st.history, *history)
	return nil
}

func (r *memoryBalanceHistoryRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*entities.BalanceHistory, error) {
	for _, h := range r.st.history {
		if h.RequestID == requestID {
			return &h, nil
		}
	}
	return nil, nil
}

func (r *memoryBalanceHistoryRepository) GetCompensation(ctx context.Context, requestID uuid.UUID) (*entities.BalanceHistory, error) {
	for _, h := range r.st.history {
		if h.CompensatesID != nil && *h.CompensatesID == requestID {
			return &h, nil
		}
	}
	return nil, nil
}

func (r *memoryBalanceHistoryRepository) GetByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*entities.BalanceHistory, error) {
	var out []*entities.BalanceHistory
	for i := len(r.st.history) - 1; i >= 0 && len(out) < limit; i-- {
		if h := r.st.history[i]; h.AccountID == accountID {
			out = append(out, &h)
		}
	}
	return out, nil
}

type memoryDeferredCreditRepository struct{ st *memoryState }

func (r *memoryDeferredCreditRepository) Create(ctx context.Context, credit *entities.DeferredCredit) (bool, error) {
	if _, ok := r.st.deferred[credit.RequestID]; ok {
		return false, nil
	}
	if credit.CreatedAt.IsZero() {
		credit.CreatedAt = time.Now()
	}
	r.st.deferred[credit.RequestID] = *credit
	return true, nil
}

func (r *memoryDeferredCreditRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*entities.DeferredCredit, error) {
	dc, ok := r.st.deferred[requestID]
	if !ok {
		return nil, nil
	}
	return &dc, nil
}

func (r *memoryDeferredCreditRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*entities.DeferredCredit, error) {
	var out []*entities.DeferredCredit
	for _, dc := range r.st.deferred {
		if dc.DispatchedAt == nil && dc.IsDue(now) {
			dc := dc
			out = append(out, &dc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotBefore.Before(out[j].NotBefore) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryDeferredCreditRepository) NextDue(ctx context.Context) (*time.Time, error) {
	var next *time.Time
	for _, dc := range r.st.deferred {
		if dc.DispatchedAt != nil {
			continue
		}
		if next == nil || dc.NotBefore.Before(*next) {
			at := dc.NotBefore
			next = &at
		}
	}
	return next, nil
}

func (r *memoryDeferredCreditRepository) MarkDispatched(ctx context.Context, requestID uuid.UUID, at time.Time) error {
	dc, ok := r.st.deferred[requestID]
	if !ok {
		return fmt.Errorf("deferred credit %s not found", requestID)
	}
	dc.DispatchedAt = &at
	r.st.deferred[requestID] = dc
	return nil
}
