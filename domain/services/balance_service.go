package services

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/interfaces"
	"raffler/domain/utils"
)

// balanceService applies balance mutations inside one store transaction each.
// Every request is keyed by its RequestID so redelivered messages are never applied twice.
type balanceService struct {
	uowFactory interfaces.UnitOfWorkFactory
	notifier   interfaces.DeferredCreditNotifier
	now        func() time.Time
}

// NewBalanceService creates a new balance service. notifier may be nil.
func NewBalanceService(uowFactory interfaces.UnitOfWorkFactory, notifier interfaces.DeferredCreditNotifier) interfaces.BalanceService {
	return &balanceService{
		uowFactory: uowFactory,
		notifier:   notifier,
		now:        time.Now,
	}
}

// Apply processes one mutation request
func (s *balanceService) Apply(ctx context.Context, req entities.BalanceMutationRequest) (*entities.MutationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = uow.Rollback()
	}()

	historyRepo := uow.BalanceHistoryRepository()

	existing, err := historyRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to check request %s: %w", req.RequestID, err)
	}
	if existing != nil {
		status := entities.MutationReplayed
		if existing.IsVoid() {
			status = entities.MutationSkipped
		}
		if req.Kind.IsDebit() {
			// A refunded debit must not be reported as funds held
			compensation, err := historyRepo.GetCompensation(ctx, req.RequestID)
			if err != nil {
				return nil, fmt.Errorf("failed to check compensation of %s: %w", req.RequestID, err)
			}
			if compensation != nil {
				status = entities.MutationSkipped
			}
		}
		log.WithFields(log.Fields{
			"requestID": req.RequestID,
			"accountID": req.AccountID,
			"status":    status,
		}).Info("Mutation already processed, returning recorded outcome")
		return existing.Result(status), nil
	}

	if req.IsDeferred(s.now()) {
		released, err := s.released(ctx, uow, req)
		if err != nil {
			return nil, err
		}
		if !released {
			return s.deferMutation(ctx, uow, req)
		}
	}

	if req.CompensatesRequestID != nil {
		target, err := historyRepo.GetByRequestID(ctx, *req.CompensatesRequestID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up compensated request: %w", err)
		}
		if target == nil {
			return s.void(ctx, uow, req)
		}
	}

	accountRepo := uow.AccountRepository()
	account, err := accountRepo.GetByID(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", req.AccountID, err)
	}

	if req.Kind.IsDebit() {
		compensation, err := historyRepo.GetCompensation(ctx, req.RequestID)
		if err != nil {
			return nil, fmt.Errorf("failed to check compensation of %s: %w", req.RequestID, err)
		}
		if compensation != nil {
			log.WithFields(log.Fields{
				"requestID":      req.RequestID,
				"compensationID": compensation.RequestID,
			}).Warn("Debit arrived after its compensation, skipping")
			result := &entities.MutationResult{RequestID: req.RequestID, AccountID: req.AccountID, Status: entities.MutationSkipped}
			if account != nil {
				result.BalanceBefore = account.Balance
				result.BalanceAfter = account.Balance
			}
			return result, nil
		}
		if account == nil {
			return nil, domain.ErrAccountNotFound
		}
		if !account.HasSufficientBalance(req.Amount) {
			return nil, domain.WithCause(domain.ErrInsufficientFunds,
				fmt.Errorf("balance %s below %s", account.Balance, req.Amount))
		}
	} else if account == nil {
		account, err = accountRepo.Create(ctx, req.AccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to create account %s: %w", req.AccountID, err)
		}
	}

	newBalance, err := entities.ApplyBalanceOperation(account.Balance, req.Kind.Operation(), req.Amount)
	if err != nil {
		return nil, err
	}

	if err := accountRepo.UpdateBalance(ctx, account.ID, newBalance); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	history := &entities.BalanceHistory{
		RequestID:     req.RequestID,
		AccountID:     account.ID,
		Kind:          req.Kind,
		Reason:        req.Reason,
		BalanceBefore: account.Balance,
		BalanceAfter:  newBalance,
		ChangeAmount:  newBalance.Sub(account.Balance),
		RaffleID:      req.RaffleID,
		CompensatesID: req.CompensatesRequestID,
		TransactionMetadata: map[string]any{
			"reason": req.Reason,
		},
	}
	if req.BetID != nil {
		history.TransactionMetadata["bet_id"] = req.BetID.String()
	}
	if err := history.ValidateTransaction(); err != nil {
		return nil, fmt.Errorf("invalid ledger entry: %w", err)
	}
	if err := utils.RecordBalanceChange(ctx, historyRepo, uow.EventBus(), history); err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit mutation %s: %w", req.RequestID, err)
	}

	log.WithFields(log.Fields{
		"requestID":  req.RequestID,
		"accountID":  req.AccountID,
		"kind":       req.Kind,
		"amount":     req.Amount,
		"newBalance": newBalance,
	}).Info("Applied balance mutation")

	return history.Result(entities.MutationApplied), nil
}

// released reports whether the deferred credit worker already handed req over as due. Its
// clock decides, so a serializer running slightly behind still applies the credit.
func (s *balanceService) released(ctx context.Context, uow interfaces.UnitOfWork, req entities.BalanceMutationRequest) (bool, error) {
	stored, err := uow.DeferredCreditRepository().GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return false, fmt.Errorf("failed to look up deferred credit %s: %w", req.RequestID, err)
	}
	if stored == nil || stored.DispatchedAt == nil {
		return false, nil
	}
	log.WithFields(log.Fields{
		"requestID":    req.RequestID,
		"notBefore":    req.NotBefore,
		"dispatchedAt": stored.DispatchedAt,
	}).Debug("Deferred mutation already dispatched, applying now")
	return true, nil
}

// deferMutation stores a future mutation for the deferred credit worker
func (s *balanceService) deferMutation(ctx context.Context, uow interfaces.UnitOfWork, req entities.BalanceMutationRequest) (*entities.MutationResult, error) {
	created, err := uow.DeferredCreditRepository().Create(ctx, entities.NewDeferredCredit(req))
	if err != nil {
		return nil, fmt.Errorf("failed to store deferred credit: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deferred credit: %w", err)
	}
	if created && s.notifier != nil {
		s.notifier.Notify()
	}

	log.WithFields(log.Fields{
		"requestID": req.RequestID,
		"accountID": req.AccountID,
		"notBefore": req.NotBefore,
		"created":   created,
	}).Info("Deferred balance mutation")

	return &entities.MutationResult{
		RequestID: req.RequestID,
		AccountID: req.AccountID,
		Status:    entities.MutationDeferred,
	}, nil
}

// void records a compensation whose target was never applied. The zero-change entry makes the
// target debit a no-op should it arrive later.
func (s *balanceService) void(ctx context.Context, uow interfaces.UnitOfWork, req entities.BalanceMutationRequest) (*entities.MutationResult, error) {
	balance := entities.Account{ID: req.AccountID}
	account, err := uow.AccountRepository().GetByID(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", req.AccountID, err)
	}
	if account != nil {
		balance = *account
	}

	history := &entities.BalanceHistory{
		RequestID:     req.RequestID,
		AccountID:     req.AccountID,
		Kind:          req.Kind,
		Reason:        req.Reason,
		BalanceBefore: balance.Balance,
		BalanceAfter:  balance.Balance,
		RaffleID:      req.RaffleID,
		CompensatesID: req.CompensatesRequestID,
		TransactionMetadata: map[string]any{
			"reason": req.Reason,
			"void":   true,
		},
	}
	if err := utils.RecordBalanceChange(ctx, uow.BalanceHistoryRepository(), uow.EventBus(), history); err != nil {
		return nil, err
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit void compensation: %w", err)
	}

	log.WithFields(log.Fields{
		"requestID":   req.RequestID,
		"compensates": req.CompensatesRequestID,
	}).Info("Compensated request was never applied, recorded void entry")

	return history.Result(entities.MutationSkipped), nil
}
