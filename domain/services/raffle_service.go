package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/events"
	"raffler/domain/interfaces"
)

// raffleService creates and cancels raffles
type raffleService struct {
	uowFactory interfaces.UnitOfWorkFactory
	cache      interfaces.RaffleCache
	notifier   interfaces.DeferredCreditNotifier
	now        func() time.Time
}

// NewRaffleService creates a new raffle service. notifier may be nil.
func NewRaffleService(uowFactory interfaces.UnitOfWorkFactory, cache interfaces.RaffleCache, notifier interfaces.DeferredCreditNotifier) interfaces.RaffleService {
	return &raffleService{
		uowFactory: uowFactory,
		cache:      cache,
		notifier:   notifier,
		now:        time.Now,
	}
}

// Create persists a new active raffle and publishes it to the cache
func (s *raffleService) Create(ctx context.Context, req interfaces.CreateRaffleRequest) (*entities.Raffle, error) {
	id := uuid.New()
	if req.ID != nil {
		id = *req.ID
	}
	raffle := &entities.Raffle{
		ID:                id,
		Status:            entities.RaffleStatusActive,
		TotalTickets:      req.TotalTickets,
		TicketPrice:       req.TicketPrice,
		MaxTicketsPerUser: req.MaxTicketsPerUser,
		Prizes:            req.Prizes,
		EndsAt:            req.EndsAt,
		Version:           1,
		CreatedAt:         s.now().UTC(),
	}
	if err := raffle.Validate(); err != nil {
		return nil, domain.Invalid("%s", err.Error())
	}

	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = uow.Rollback()
	}()

	if req.ID != nil {
		existing, err := uow.RaffleRepository().GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get raffle %s: %w", id, err)
		}
		if existing != nil {
			return s.replayCreate(ctx, uow, existing)
		}
	}

	if raffle.EndsAt != nil && !raffle.EndsAt.After(raffle.CreatedAt) {
		return nil, domain.Invalid("deadline must be in the future")
	}
	if err := uow.RaffleRepository().Create(ctx, raffle); err != nil {
		return nil, fmt.Errorf("failed to create raffle: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit raffle: %w", err)
	}

	log.WithFields(log.Fields{
		"raffleID":     raffle.ID,
		"totalTickets": raffle.TotalTickets,
		"ticketPrice":  raffle.TicketPrice,
		"prizes":       len(raffle.Prizes),
	}).Info("Raffle created")

	syncCache(ctx, s.cache, raffle)
	return raffle, nil
}

// replayCreate answers a redelivered create whose raffle already committed
func (s *raffleService) replayCreate(ctx context.Context, uow interfaces.UnitOfWork, raffle *entities.Raffle) (*entities.Raffle, error) {
	if !raffle.IsActive() {
		return nil, domain.ErrRaffleFinished
	}
	if err := loadRaffleDetails(ctx, uow, raffle); err != nil {
		return nil, err
	}

	log.WithField("raffleID", raffle.ID).Info("Raffle already created, replaying")
	syncCache(ctx, s.cache, raffle)
	return raffle, nil
}

// Cancel ends an active raffle without winners and schedules a refund for every bet.
// Refunds go through the deferred credit outbox so they survive a crash after commit.
func (s *raffleService) Cancel(ctx context.Context, raffleID uuid.UUID) (*interfaces.CancelResult, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = uow.Rollback()
	}()

	raffle, err := uow.RaffleRepository().GetByID(ctx, raffleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get raffle %s: %w", raffleID, err)
	}
	if raffle == nil {
		return nil, domain.WithCause(domain.ErrRaffleLost, fmt.Errorf("raffle %s not in store", raffleID))
	}
	if !raffle.IsActive() {
		return nil, domain.ErrRaffleFinished
	}
	if err := loadRaffleDetails(ctx, uow, raffle); err != nil {
		return nil, err
	}

	now := s.now()
	version, err := uow.RaffleRepository().UpdateStatus(ctx, raffle.ID, entities.RaffleStatusCancelled, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel raffle: %w", err)
	}

	for _, bet := range raffle.Bets {
		id := raffle.ID
		betID := bet.ID
		refund := entities.NewDeferredCredit(entities.BalanceMutationRequest{
			RequestID: entities.DeriveRequestID(bet.ID, "cancel-refund"),
			AccountID: bet.AccountID,
			Kind:      entities.MutationCreditRefund,
			Amount:    bet.Amount,
			Reason:    "raffle cancelled",
			RaffleID:  &id,
			BetID:     &betID,
			NotBefore: &now,
		})
		if _, err := uow.DeferredCreditRepository().Create(ctx, refund); err != nil {
			return nil, fmt.Errorf("failed to schedule refund for bet %s: %w", bet.ID, err)
		}
	}

	raffle.Cancel(now)
	raffle.Version = version

	if err := uow.EventBus().Publish(events.RaffleFinishedEvent{
		RaffleID: raffle.ID,
		Status:   raffle.Status,
		Winners:  []entities.WinnerView{},
	}); err != nil {
		log.WithError(err).Warn("Failed to queue raffle finished event")
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancellation: %w", err)
	}

	log.WithFields(log.Fields{
		"raffleID": raffle.ID,
		"refunds":  len(raffle.Bets),
	}).Info("Raffle cancelled")

	if len(raffle.Bets) > 0 && s.notifier != nil {
		s.notifier.Notify()
	}
	syncCache(ctx, s.cache, raffle)

	return &interfaces.CancelResult{RaffleID: raffle.ID, Refunds: len(raffle.Bets)}, nil
}

// ListActive returns every active raffle from the store
func (s *raffleService) ListActive(ctx context.Context) ([]*entities.Raffle, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = uow.Rollback()
	}()

	raffles, err := uow.RaffleRepository().ListByStatus(ctx, entities.RaffleStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active raffles: %w", err)
	}
	return raffles, nil
}
