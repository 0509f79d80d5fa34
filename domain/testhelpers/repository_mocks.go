package testhelpers

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"raffler/domain/entities"
	"raffler/domain/events"
)

// MockBalanceHistoryRepository is a mock implementation of BalanceHistoryRepository
type MockBalanceHistoryRepository struct {
	mock.Mock
}

func (m *MockBalanceHistoryRepository) Record(ctx context.Context, history *entities.BalanceHistory) error {
	args := m.Called(ctx, history)
	return args.Error(0)
}

func (m *MockBalanceHistoryRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*entities.BalanceHistory, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.BalanceHistory), args.Error(1)
}

func (m *MockBalanceHistoryRepository) GetCompensation(ctx context.Context, requestID uuid.UUID) (*entities.BalanceHistory, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.BalanceHistory), args.Error(1)
}

func (m *MockBalanceHistoryRepository) GetByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*entities.BalanceHistory, error) {
	args := m.Called(ctx, accountID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.BalanceHistory), args.Error(1)
}

// MockEventPublisher is a mock implementation of EventPublisher
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(event events.Event) error {
	args := m.Called(event)
	return args.Error(0)
}

// MockBalanceMutator is a mock implementation of BalanceMutator
type MockBalanceMutator struct {
	mock.Mock
}

func (m *MockBalanceMutator) Submit(ctx context.Context, req entities.BalanceMutationRequest) (*entities.MutationResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.MutationResult), args.Error(1)
}

func (m *MockBalanceMutator) Enqueue(ctx context.Context, req entities.BalanceMutationRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// MockDeferredCreditNotifier is a mock implementation of DeferredCreditNotifier
type MockDeferredCreditNotifier struct {
	mock.Mock
}

func (m *MockDeferredCreditNotifier) Notify() {
	m.Called()
}
