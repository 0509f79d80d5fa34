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

// drawService closes raffles: it draws winners, flips the status and schedules payouts in
// one store transaction, then moves the cached view to the ended bucket.
type drawService struct {
	uowFactory     interfaces.UnitOfWorkFactory
	cache          interfaces.RaffleCache
	numbers        interfaces.NumberSource
	notifier       interfaces.DeferredCreditNotifier
	revealDuration time.Duration
	now            func() time.Time
}

// NewDrawService creates a new draw service. notifier may be nil.
func NewDrawService(
	uowFactory interfaces.UnitOfWorkFactory,
	cache interfaces.RaffleCache,
	numbers interfaces.NumberSource,
	notifier interfaces.DeferredCreditNotifier,
	revealDuration time.Duration,
) interfaces.DrawService {
	return &drawService{
		uowFactory:     uowFactory,
		cache:          cache,
		numbers:        numbers,
		notifier:       notifier,
		revealDuration: revealDuration,
		now:            time.Now,
	}
}

// Finish ends an active raffle. A sold-out raffle draws every prize from [1, totalTickets];
// an early finish draws from the claimed numbers only.
func (s *drawService) Finish(ctx context.Context, raffleID uuid.UUID, trigger interfaces.DrawTrigger) (*interfaces.DrawResult, error) {
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
	if counted := raffle.CountedTickets(); counted != raffle.TicketsBought {
		return nil, domain.NewConsistencyError(domain.CodeInternal, "ticket counter mismatch",
			fmt.Errorf("raffle %s: counter %d, bets hold %d", raffleID, raffle.TicketsBought, counted))
	}

	winners, err := s.drawWinners(raffle)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if len(winners) > 0 {
		if err := uow.WinnerRepository().CreateBatch(ctx, winners); err != nil {
			return nil, fmt.Errorf("failed to persist winners: %w", err)
		}
	}
	for _, w := range winners {
		if err := uow.BetRepository().AttachPrize(ctx, w.BetID, w.Amount); err != nil {
			return nil, fmt.Errorf("failed to attach prize to bet %s: %w", w.BetID, err)
		}
		if bet := raffle.FindBet(w.BetID); bet != nil {
			bet.AttachPrize(w.Amount)
		}
	}

	version, err := uow.RaffleRepository().UpdateStatus(ctx, raffle.ID, entities.RaffleStatusEnded, now)
	if err != nil {
		return nil, fmt.Errorf("failed to end raffle: %w", err)
	}

	payoutAt := now.Add(s.revealDuration)
	for _, w := range winners {
		raffleID := raffle.ID
		betID := w.BetID
		credit := entities.NewDeferredCredit(entities.BalanceMutationRequest{
			RequestID: w.PayoutRequestID(),
			AccountID: w.AccountID,
			Kind:      entities.MutationCreditPayout,
			Amount:    w.Amount,
			Reason:    fmt.Sprintf("raffle prize %d", w.PrizeIndex+1),
			RaffleID:  &raffleID,
			BetID:     &betID,
			NotBefore: &payoutAt,
		})
		if _, err := uow.DeferredCreditRepository().Create(ctx, credit); err != nil {
			return nil, fmt.Errorf("failed to schedule payout for bet %s: %w", w.BetID, err)
		}
	}

	raffle.End(winners, now)
	raffle.Version = version

	winnerViews := entities.NewRaffleView(raffle).Winners
	if err := uow.EventBus().Publish(events.RaffleFinishedEvent{
		RaffleID: raffle.ID,
		Status:   raffle.Status,
		Winners:  winnerViews,
	}); err != nil {
		log.WithError(err).Warn("Failed to queue raffle finished event")
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit draw: %w", err)
	}

	log.WithFields(log.Fields{
		"raffleID": raffle.ID,
		"trigger":  trigger,
		"winners":  len(winners),
		"payoutAt": payoutAt,
	}).Info("Raffle ended")

	if len(winners) > 0 && s.notifier != nil {
		s.notifier.Notify()
	}
	syncCache(ctx, s.cache, raffle)

	return &interfaces.DrawResult{
		RaffleID: raffle.ID,
		Status:   raffle.Status,
		Trigger:  trigger,
		Winners:  winners,
	}, nil
}

// drawWinners picks one bet per prize slot in declared order
func (s *drawService) drawWinners(raffle *entities.Raffle) ([]*entities.Winner, error) {
	claimed := raffle.ClaimedNumbers()
	if len(claimed) == 0 {
		return nil, nil
	}

	var pool []int64
	if !raffle.IsFull() {
		pool = raffle.SortedClaimedNumbers()
	}

	winners := make([]*entities.Winner, 0, len(raffle.Prizes))
	for i, prize := range raffle.Prizes {
		var number int64
		if pool == nil {
			r, err := s.numbers.Int63n(raffle.TotalTickets)
			if err != nil {
				return nil, err
			}
			number = r + 1
		} else {
			r, err := s.numbers.Int63n(int64(len(pool)))
			if err != nil {
				return nil, err
			}
			number = pool[r]
		}

		betID, ok := claimed[number]
		if !ok {
			return nil, domain.WithCause(domain.ErrWinnerNotFound,
				fmt.Errorf("raffle %s: no bet owns ticket %d", raffle.ID, number))
		}
		bet := raffle.FindBet(betID)
		winners = append(winners, &entities.Winner{
			RaffleID:     raffle.ID,
			PrizeIndex:   i,
			BetID:        betID,
			AccountID:    bet.AccountID,
			TicketNumber: number,
			Amount:       prize.Value,
		})
	}
	return winners, nil
}

// syncCache writes a committed raffle to the cache, invalidating it if the write fails
func syncCache(ctx context.Context, cache interfaces.RaffleCache, raffle *entities.Raffle) {
	if err := cache.Upsert(ctx, raffle); err != nil {
		log.WithError(err).WithField("raffleID", raffle.ID).Error("Failed to update raffle cache, invalidating")
		if err := cache.Invalidate(ctx); err != nil {
			log.WithError(err).Error("Failed to invalidate raffle cache")
		}
	}
}
