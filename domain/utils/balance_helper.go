package utils

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"raffler/domain/entities"
	"raffler/domain/events"
	"raffler/domain/interfaces"
)

// RecordBalanceChange records a ledger entry and emits the balance change event.
// This is the single entry point for all balance changes in the system.
func RecordBalanceChange(ctx context.Context, balanceHistoryRepo interfaces.BalanceHistoryRepository, eventPublisher interfaces.EventPublisher, history *entities.BalanceHistory) error {
	if err := balanceHistoryRepo.Record(ctx, history); err != nil {
		return fmt.Errorf("failed to record balance history: %w", err)
	}

	// Void entries move no funds, so nobody needs to hear about them
	if history.IsVoid() {
		return nil
	}

	event := events.BalanceChangeEvent{
		AccountID:    history.AccountID,
		RequestID:    history.RequestID,
		Kind:         history.Kind,
		OldBalance:   history.BalanceBefore,
		NewBalance:   history.BalanceAfter,
		ChangeAmount: history.ChangeAmount,
		RaffleID:     history.RaffleID,
	}
	log.WithFields(log.Fields{
		"accountID":    event.AccountID,
		"requestID":    event.RequestID,
		"oldBalance":   event.OldBalance,
		"newBalance":   event.NewBalance,
		"kind":         event.Kind,
		"changeAmount": event.ChangeAmount,
	}).Debug("Publishing BalanceChangeEvent")
	if err := eventPublisher.Publish(event); err != nil {
		log.WithError(err).Error("Failed to publish balance change event")
	}

	return nil
}
