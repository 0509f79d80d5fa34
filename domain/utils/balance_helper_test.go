package utils

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"raffler/domain/entities"
	"raffler/domain/events"
	"raffler/domain/testhelpers"
)

// TestRecordBalanceChange tests that balance changes are recorded and events are published
func TestRecordBalanceChange(t *testing.T) {
	ctx := context.Background()

	mockBalanceHistoryRepo := new(testhelpers.MockBalanceHistoryRepository)
	mockEventPublisher := new(testhelpers.MockEventPublisher)

	accountID := uuid.New()
	mockBalanceHistoryRepo.On("Record", ctx, mock.Anything).Return(nil)
	mockEventPublisher.On("Publish", mock.MatchedBy(func(event interface{}) bool {
		e, ok := event.(events.BalanceChangeEvent)
		return ok && e.AccountID == accountID && e.NewBalance.Equal(decimal.NewFromInt(1500))
	})).Return(nil)

	history := &entities.BalanceHistory{
		RequestID:     uuid.New(),
		AccountID:     accountID,
		Kind:          entities.MutationCreditPayout,
		BalanceBefore: decimal.NewFromInt(1000),
		BalanceAfter:  decimal.NewFromInt(1500),
		ChangeAmount:  decimal.NewFromInt(500),
	}

	err := RecordBalanceChange(ctx, mockBalanceHistoryRepo, mockEventPublisher, history)
	assert.NoError(t, err)

	mockBalanceHistoryRepo.AssertExpectations(t)
	mockEventPublisher.AssertExpectations(t)
}

// TestRecordBalanceChangeVoidEntry tests that zero-change entries publish nothing
func TestRecordBalanceChangeVoidEntry(t *testing.T) {
	ctx := context.Background()

	mockBalanceHistoryRepo := new(testhelpers.MockBalanceHistoryRepository)
	mockEventPublisher := new(testhelpers.MockEventPublisher)
	mockBalanceHistoryRepo.On("Record", ctx, mock.Anything).Return(nil)

	history := &entities.BalanceHistory{
		RequestID:     uuid.New(),
		AccountID:     uuid.New(),
		Kind:          entities.MutationCreditRefund,
		BalanceBefore: decimal.NewFromInt(40),
		BalanceAfter:  decimal.NewFromInt(40),
		ChangeAmount:  decimal.Zero,
	}

	assert.NoError(t, RecordBalanceChange(ctx, mockBalanceHistoryRepo, mockEventPublisher, history))
	mockEventPublisher.AssertNotCalled(t, "Publish", mock.Anything)
}

// TestRecordBalanceChangeRecordFailure tests that ledger failures are surfaced and nothing is published
func TestRecordBalanceChangeRecordFailure(t *testing.T) {
	ctx := context.Background()

	mockBalanceHistoryRepo := new(testhelpers.MockBalanceHistoryRepository)
	mockEventPublisher := new(testhelpers.MockEventPublisher)
	mockBalanceHistoryRepo.On("Record", ctx, mock.Anything).Return(errors.New("duplicate key"))

	err := RecordBalanceChange(ctx, mockBalanceHistoryRepo, mockEventPublisher, &entities.BalanceHistory{ChangeAmount: decimal.NewFromInt(1)})
	assert.ErrorContains(t, err, "failed to record balance history")
	mockEventPublisher.AssertNotCalled(t, "Publish", mock.Anything)
}

// TestRecordBalanceChangePublishFailure tests that publish failures do not fail the mutation
func TestRecordBalanceChangePublishFailure(t *testing.T) {
	ctx := context.Background()

	mockBalanceHistoryRepo := new(testhelpers.MockBalanceHistoryRepository)
	mockEventPublisher := new(testhelpers.MockEventPublisher)
	mockBalanceHistoryRepo.On("Record", ctx, mock.Anything).Return(nil)
	mockEventPublisher.On("Publish", mock.Anything).Return(errors.New("nats down"))

	history := &entities.BalanceHistory{
		AccountID:     uuid.New(),
		BalanceBefore: decimal.Zero,
		BalanceAfter:  decimal.NewFromInt(5),
		ChangeAmount:  decimal.NewFromInt(5),
	}
	assert.NoError(t, RecordBalanceChange(ctx, mockBalanceHistoryRepo, mockEventPublisher, history))
}
