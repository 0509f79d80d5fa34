package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffler/domain/entities"
	"raffler/repository/testutil"
)

func TestBalanceHistoryRepository(t *testing.T) {
	t.Parallel()
	testDB := testutil.SetupTestDatabase(t)

	repo := NewBalanceHistoryRepository(testDB.DB)
	ctx := context.Background()
	accountID := uuid.New()

	deposit := testutil.CreateTestHistory(accountID, entities.MutationCreditDeposit, 0, 100)
	deposit.TransactionMetadata = map[string]any{"source": "test"}
	require.NoError(t, repo.Record(ctx, deposit))
	assert.NotZero(t, deposit.ID)
	assert.False(t, deposit.CreatedAt.IsZero())

	raffleID := uuid.New()
	debit := testutil.CreateTestHistory(accountID, entities.MutationDebitForPurchase, 100, -30)
	debit.RaffleID = &raffleID
	require.NoError(t, repo.Record(ctx, debit))

	refund := testutil.CreateTestHistory(accountID, entities.MutationCreditRefund, 70, 30)
	refund.CompensatesID = &debit.RequestID
	require.NoError(t, repo.Record(ctx, refund))

	t.Run("get by request id", func(t *testing.T) {
		got, err := repo.GetByRequestID(ctx, debit.RequestID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, debit.ID, got.ID)
		assert.Equal(t, entities.MutationDebitForPurchase, got.Kind)
		assert.True(t, decimal.NewFromInt(-30).Equal(got.ChangeAmount))
		assert.True(t, decimal.NewFromInt(70).Equal(got.BalanceAfter))
		require.NotNil(t, got.RaffleID)
		assert.Equal(t, raffleID, *got.RaffleID)

		meta, err := repo.GetByRequestID(ctx, deposit.RequestID)
		require.NoError(t, err)
		assert.Equal(t, "test", meta.TransactionMetadata["source"])

		missing, err := repo.GetByRequestID(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("compensation lookup", func(t *testing.T) {
		got, err := repo.GetCompensation(ctx, debit.RequestID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, refund.RequestID, got.RequestID)

		none, err := repo.GetCompensation(ctx, deposit.RequestID)
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("account history newest first", func(t *testing.T) {
		history, err := repo.GetByAccount(ctx, accountID, 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, refund.RequestID, history[0].RequestID)
		assert.Equal(t, debit.RequestID, history[1].RequestID)
	})

	t.Run("request id is recorded once", func(t *testing.T) {
		dup := testutil.CreateTestHistory(accountID, entities.MutationCreditDeposit, 100, 5)
		dup.RequestID = deposit.RequestID
		assert.Error(t, repo.Record(ctx, dup))
	})

	t.Run("void entry", func(t *testing.T) {
		void := &entities.BalanceHistory{
			RequestID:     uuid.New(),
			AccountID:     uuid.New(),
			Kind:          entities.MutationCreditRefund,
			BalanceBefore: decimal.Zero,
			BalanceAfter:  decimal.Zero,
			ChangeAmount:  decimal.Zero,
			CompensatesID: &deposit.RequestID,
		}
		require.NoError(t, repo.Record(ctx, void))

		got, err := repo.GetByRequestID(ctx, void.RequestID)
		require.NoError(t, err)
		assert.True(t, got.IsVoid())
	})
}
