package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/interfaces"
)

// ticketService runs the purchase pipeline of a raffle. Calls for one raffle must be
// serialized by that raffle's queue consumer.
type ticketService struct {
	uowFactory interfaces.UnitOfWorkFactory
	cache      interfaces.RaffleCache
	balances   interfaces.BalanceMutator
	draws      interfaces.DrawService
	numbers    interfaces.NumberSource
	now        func() time.Time
}

// NewTicketService creates a new ticket service
func NewTicketService(
	uowFactory interfaces.UnitOfWorkFactory,
	cache interfaces.RaffleCache,
	balances interfaces.BalanceMutator,
	draws interfaces.DrawService,
	numbers interfaces.NumberSource,
) interfaces.TicketService {
	return &ticketService{
		uowFactory: uowFactory,
		cache:      cache,
		balances:   balances,
		draws:      draws,
		numbers:    numbers,
		now:        time.Now,
	}
}

// Buy validates a purchase against the cached raffle, debits the buyer through the
// serializer, persists the bet and finishes the raffle once it sells out.
func (s *ticketService) Buy(ctx context.Context, req interfaces.BuyRequest) (*interfaces.PurchaseResult, error) {
	if err := validateBuyRequest(req); err != nil {
		return nil, err
	}

	raffle, err := s.loadActive(ctx, req.RaffleID)
	if errors.Is(err, domain.ErrRaffleFinished) {
		return s.replayFinished(ctx, req, err)
	}
	if err != nil {
		return nil, err
	}

	if existing := raffle.FindBet(req.PurchaseID); existing != nil {
		return s.replay(ctx, raffle, existing)
	}
	if existing, err := s.storedBet(ctx, req.PurchaseID); err != nil {
		return nil, err
	} else if existing != nil {
		return s.replay(ctx, raffle, existing)
	}

	createdAt := s.now()
	if req.RequestedAt != nil {
		createdAt = *req.RequestedAt
	}
	numbers, err := s.resolveNumbers(raffle, req, createdAt)
	if err != nil {
		return nil, err
	}

	amount := entities.TicketCost(raffle.TicketPrice, len(numbers))
	debitID := entities.DeriveRequestID(req.PurchaseID, "debit")
	raffleID := raffle.ID
	purchaseID := req.PurchaseID

	result, err := s.balances.Submit(ctx, entities.BalanceMutationRequest{
		RequestID: debitID,
		AccountID: req.AccountID,
		Kind:      entities.MutationDebitForPurchase,
		Amount:    amount,
		Reason:    "raffle ticket purchase",
		RaffleID:  &raffleID,
		BetID:     &purchaseID,
	})
	if err != nil {
		if domain.IsBusiness(err) {
			return nil, err
		}
		return nil, s.debitUnconfirmed(ctx, req, amount, debitID, err)
	}
	if !result.Succeeded() {
		log.WithFields(log.Fields{
			"purchaseID": req.PurchaseID,
			"status":     result.Status,
		}).Warn("Debit was not applied")
		return nil, domain.ErrDebitUnconfirmed
	}

	bet := &entities.Bet{
		ID:            req.PurchaseID,
		RaffleID:      raffle.ID,
		AccountID:     req.AccountID,
		Amount:        amount,
		TicketNumbers: numbers,
		CreatedAt:     createdAt,
	}
	ticketsBought, version, err := s.persistBet(ctx, bet)
	if err != nil {
		return nil, s.compensate(ctx, req, amount, debitID, err)
	}

	raffle.AddBet(bet)
	raffle.TicketsBought = ticketsBought
	raffle.Version = version
	syncCache(ctx, s.cache, raffle)

	log.WithFields(log.Fields{
		"raffleID":      raffle.ID,
		"purchaseID":    bet.ID,
		"accountID":     bet.AccountID,
		"tickets":       len(bet.TicketNumbers),
		"ticketsBought": raffle.TicketsBought,
		"totalTickets":  raffle.TotalTickets,
	}).Info("Tickets purchased")

	purchase := &interfaces.PurchaseResult{
		Bet:           bet,
		TicketsBought: raffle.TicketsBought,
		TotalTickets:  raffle.TotalTickets,
	}
	if raffle.IsFull() {
		draw, err := s.draws.Finish(ctx, raffle.ID, interfaces.TriggerSoldOut)
		if err != nil {
			return nil, fmt.Errorf("failed to finish sold out raffle %s: %w", raffle.ID, err)
		}
		purchase.Draw = draw
	}
	return purchase, nil
}

// loadActive reads the raffle from the active cache bucket
func (s *ticketService) loadActive(ctx context.Context, raffleID uuid.UUID) (*entities.Raffle, error) {
	view, err := s.cache.GetOne(ctx, raffleID, entities.BucketActive)
	if err != nil {
		if !IsNotInBucket(err) {
			return nil, err
		}
		if _, endedErr := s.cache.GetOne(ctx, raffleID, entities.BucketEnded); endedErr == nil {
			return nil, domain.ErrRaffleFinished
		} else if !IsNotInBucket(endedErr) {
			return nil, endedErr
		}
		return nil, domain.WithCause(domain.ErrRaffleLost, err)
	}

	raffle, err := view.ToRaffle()
	if err != nil {
		return nil, domain.WithCause(domain.ErrRaffleLost, err)
	}
	return raffle, nil
}

// storedBet looks up a purchase that was persisted but never reached the cache
func (s *ticketService) storedBet(ctx context.Context, purchaseID uuid.UUID) (*entities.Bet, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = uow.Rollback()
	}()

	bet, err := uow.BetRepository().GetByID(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up purchase %s: %w", purchaseID, err)
	}
	return bet, nil
}

// replay answers a redelivered purchase that already committed
func (s *ticketService) replay(ctx context.Context, raffle *entities.Raffle, bet *entities.Bet) (*interfaces.PurchaseResult, error) {
	if bet.RaffleID != raffle.ID {
		return nil, domain.Invalid("purchase id already used for another raffle")
	}

	log.WithFields(log.Fields{
		"raffleID":   raffle.ID,
		"purchaseID": bet.ID,
	}).Info("Purchase already committed, replaying result")

	if raffle.FindBet(bet.ID) == nil {
		// Committed bet missing from the cache: refresh from the store
		if err := s.cache.Invalidate(ctx); err != nil {
			log.WithError(err).Error("Failed to invalidate raffle cache")
		}
		refreshed, err := s.loadActive(ctx, raffle.ID)
		if err != nil {
			return nil, err
		}
		raffle = refreshed
	}

	purchase := &interfaces.PurchaseResult{
		Bet:           bet,
		TicketsBought: raffle.TicketsBought,
		TotalTickets:  raffle.TotalTickets,
		Replayed:      true,
	}
	if raffle.IsFull() {
		draw, err := s.draws.Finish(ctx, raffle.ID, interfaces.TriggerSoldOut)
		if err != nil {
			return nil, fmt.Errorf("failed to finish sold out raffle %s: %w", raffle.ID, err)
		}
		purchase.Draw = draw
	}
	return purchase, nil
}

// replayFinished answers a purchase redelivered after its raffle was drawn. Anything
// other than a committed bet of an ended raffle keeps the finished error.
func (s *ticketService) replayFinished(ctx context.Context, req interfaces.BuyRequest, finished error) (*interfaces.PurchaseResult, error) {
	bet, err := s.storedBet(ctx, req.PurchaseID)
	if err != nil {
		return nil, err
	}
	if bet == nil || bet.RaffleID != req.RaffleID {
		return nil, finished
	}

	view, err := s.cache.GetOne(ctx, req.RaffleID, entities.BucketEnded)
	if err != nil {
		return nil, finished
	}
	raffle, err := view.ToRaffle()
	if err != nil || raffle.Status != entities.RaffleStatusEnded {
		return nil, finished
	}

	log.WithFields(log.Fields{
		"raffleID":   raffle.ID,
		"purchaseID": bet.ID,
	}).Info("Purchase already committed to a drawn raffle, replaying result")

	purchase := &interfaces.PurchaseResult{
		Bet:           bet,
		TicketsBought: raffle.TicketsBought,
		TotalTickets:  raffle.TotalTickets,
		Replayed:      true,
		Draw: &interfaces.DrawResult{
			RaffleID: raffle.ID,
			Status:   raffle.Status,
			Winners:  raffle.Winners,
		},
	}
	if raffle.IsFull() {
		purchase.Draw.Trigger = interfaces.TriggerSoldOut
	}
	return purchase, nil
}

// resolveNumbers validates the purchase and returns the ticket numbers it will claim
func (s *ticketService) resolveNumbers(raffle *entities.Raffle, req interfaces.BuyRequest, createdAt time.Time) ([]int64, error) {
	if !raffle.IsActive() || raffle.IsFull() || raffle.IsExpiredAt(createdAt) {
		return nil, domain.ErrRaffleFinished
	}

	count := req.Quantity
	if len(req.TicketNumbers) > 0 {
		count = len(req.TicketNumbers)
	}

	if raffle.MaxTicketsPerUser != nil && raffle.TicketsHeldBy(req.AccountID)+int64(count) > *raffle.MaxTicketsPerUser {
		return nil, domain.ErrUserCapExceeded
	}

	claimed := raffle.ClaimedNumbers()
	if len(req.TicketNumbers) > 0 {
		for _, n := range req.TicketNumbers {
			if n < 1 || n > raffle.TotalTickets {
				return nil, domain.Invalid("ticket number %d is outside 1-%d", n, raffle.TotalTickets)
			}
			if _, taken := claimed[n]; taken {
				return nil, domain.WithCause(domain.ErrTicketTaken, fmt.Errorf("ticket %d", n))
			}
		}
		return append([]int64(nil), req.TicketNumbers...), nil
	}

	if int64(count) > raffle.TicketsRemaining() {
		return nil, domain.ErrNotEnoughTickets
	}
	used := make(map[int64]bool, len(claimed))
	for n := range claimed {
		used[n] = true
	}
	numbers, err := allocateTicketNumbers(s.numbers, raffle.TotalTickets, used, count)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate tickets: %w", err)
	}
	return numbers, nil
}

// persistBet inserts the bet and advances the sold counter in one transaction
func (s *ticketService) persistBet(ctx context.Context, bet *entities.Bet) (int64, int64, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = uow.Rollback()
	}()

	if err := uow.BetRepository().Create(ctx, bet); err != nil {
		return 0, 0, fmt.Errorf("failed to insert bet: %w", err)
	}
	ticketsBought, version, err := uow.RaffleRepository().IncrementTicketsBought(ctx, bet.RaffleID, bet.TicketCount())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to update ticket count: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit bet: %w", err)
	}
	return ticketsBought, version, nil
}

// debitUnconfirmed handles a debit whose outcome is unknown. The refund only applies if the
// debit was recorded, and voids the debit if it arrives later.
func (s *ticketService) debitUnconfirmed(ctx context.Context, req interfaces.BuyRequest, amount decimal.Decimal, debitID uuid.UUID, cause error) error {
	log.WithError(cause).WithFields(log.Fields{
		"raffleID":   req.RaffleID,
		"purchaseID": req.PurchaseID,
		"accountID":  req.AccountID,
	}).Warn("Debit outcome unknown, queueing conditional refund")

	if err := s.enqueueRefund(ctx, req, amount, debitID); err != nil {
		return err
	}
	return domain.WithCause(domain.ErrDebitUnconfirmed, cause)
}

// compensate refunds a debit whose purchase could not be persisted
func (s *ticketService) compensate(ctx context.Context, req interfaces.BuyRequest, amount decimal.Decimal, debitID uuid.UUID, cause error) error {
	log.WithError(cause).WithFields(log.Fields{
		"raffleID":   req.RaffleID,
		"purchaseID": req.PurchaseID,
		"accountID":  req.AccountID,
		"amount":     amount,
	}).Error("Failed to persist purchase after debit, queueing refund")

	if err := s.enqueueRefund(ctx, req, amount, debitID); err != nil {
		return err
	}

	var businessErr *domain.Error
	if errors.As(cause, &businessErr) && businessErr.Kind == domain.KindBusiness {
		return businessErr
	}
	return domain.WithCause(domain.ErrPurchaseFailed, cause)
}

// enqueueRefund publishes the compensating credit of a purchase debit. A failure is returned
// as an infrastructure error so the purchase message is redelivered.
func (s *ticketService) enqueueRefund(ctx context.Context, req interfaces.BuyRequest, amount decimal.Decimal, debitID uuid.UUID) error {
	raffleID := req.RaffleID
	purchaseID := req.PurchaseID
	refund := entities.BalanceMutationRequest{
		RequestID:            entities.DeriveRequestID(req.PurchaseID, "refund"),
		AccountID:            req.AccountID,
		Kind:                 entities.MutationCreditRefund,
		Amount:               amount,
		Reason:               "raffle purchase refund",
		RaffleID:             &raffleID,
		BetID:                &purchaseID,
		CompensatesRequestID: &debitID,
	}
	if err := s.balances.Enqueue(ctx, refund); err != nil {
		return fmt.Errorf("%w for purchase %s: %v", errRefundNotQueued, req.PurchaseID, err)
	}
	return nil
}

func validateBuyRequest(req interfaces.BuyRequest) error {
	if req.PurchaseID == uuid.Nil {
		return domain.Invalid("purchase id is required")
	}
	if req.RaffleID == uuid.Nil {
		return domain.Invalid("raffle id is required")
	}
	if req.AccountID == uuid.Nil {
		return domain.Invalid("account id is required")
	}
	if len(req.TicketNumbers) > 0 && req.Quantity > 0 && req.Quantity != len(req.TicketNumbers) {
		return domain.Invalid("quantity does not match ticket numbers")
	}
	if len(req.TicketNumbers) == 0 && req.Quantity <= 0 {
		return domain.Invalid("at least one ticket is required")
	}
	seen := make(map[int64]bool, len(req.TicketNumbers))
	for _, n := range req.TicketNumbers {
		if seen[n] {
			return domain.Invalid("ticket number %d requested twice", n)
		}
		seen[n] = true
	}
	return nil
}

var errRefundNotQueued = errors.New("refund could not be queued")
