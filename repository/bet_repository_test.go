package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffler/domain"
	"raffler/domain/entities"
	"raffler/repository/testutil"
)

func TestBetRepository(t *testing.T) {
	t.Parallel()
	testDB := testutil.SetupTestDatabase(t)

	raffles := NewRaffleRepository(testDB.DB)
	repo := NewBetRepository(testDB.DB)
	ctx := context.Background()

	raffle := testutil.CreateTestRaffle(10, 1, 5)
	require.NoError(t, raffles.Create(ctx, raffle))

	first := testutil.CreateTestBet(raffle.ID, uuid.New(), 3, 7)
	second := testutil.CreateTestBet(raffle.ID, uuid.New(), 1)
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	t.Run("get by id", func(t *testing.T) {
		got, err := repo.GetByID(ctx, first.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, []int64{3, 7}, got.TicketNumbers)
		assert.Equal(t, first.AccountID, got.AccountID)
		assert.True(t, decimal.NewFromInt(2).Equal(got.Amount))
		assert.Nil(t, got.Prize)

		missing, err := repo.GetByID(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("bets come back in purchase order", func(t *testing.T) {
		bets, err := repo.GetByRaffle(ctx, raffle.ID)
		require.NoError(t, err)
		require.Len(t, bets, 2)
		assert.Equal(t, first.ID, bets[0].ID)
		assert.Equal(t, second.ID, bets[1].ID)
	})

	t.Run("attach prize accumulates", func(t *testing.T) {
		require.NoError(t, repo.AttachPrize(ctx, first.ID, decimal.NewFromInt(5)))
		require.NoError(t, repo.AttachPrize(ctx, first.ID, decimal.RequireFromString("2.5")))

		got, err := repo.GetByID(ctx, first.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Prize)
		assert.True(t, decimal.RequireFromString("7.5").Equal(*got.Prize))

		assert.Error(t, repo.AttachPrize(ctx, uuid.New(), decimal.NewFromInt(1)))
	})
}

func TestBetRepository_TakenTicketRollsBack(t *testing.T) {
	t.Parallel()
	testDB := testutil.SetupTestDatabase(t)

	ctx := context.Background()
	raffle := testutil.CreateTestRaffle(10, 1, 5)
	require.NoError(t, NewRaffleRepository(testDB.DB).Create(ctx, raffle))

	owner := testutil.CreateTestBet(raffle.ID, uuid.New(), 4)
	require.NoError(t, NewBetRepository(testDB.DB).Create(ctx, owner))

	uow := NewUnitOfWorkFactory(testDB.DB).CreateWithPublisher(nil)
	require.NoError(t, uow.Begin(ctx))
	err := uow.BetRepository().Create(ctx, testutil.CreateTestBet(raffle.ID, uuid.New(), 5, 4))
	assert.ErrorIs(t, err, domain.ErrTicketTaken)
	require.NoError(t, uow.Rollback())

	bets, err := NewBetRepository(testDB.DB).GetByRaffle(ctx, raffle.ID)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, owner.ID, bets[0].ID)
}

func TestWinnerRepository(t *testing.T) {
	t.Parallel()
	testDB := testutil.SetupTestDatabase(t)

	ctx := context.Background()
	raffle := testutil.CreateTestRaffle(10, 1, 50, 20)
	require.NoError(t, NewRaffleRepository(testDB.DB).Create(ctx, raffle))
	bet := testutil.CreateTestBet(raffle.ID, uuid.New(), 2, 9)
	require.NoError(t, NewBetRepository(testDB.DB).Create(ctx, bet))

	repo := NewWinnerRepository(testDB.DB)
	winners := []*entities.Winner{
		{RaffleID: raffle.ID, PrizeIndex: 1, BetID: bet.ID, AccountID: bet.AccountID, TicketNumber: 2, Amount: decimal.NewFromInt(20)},
		{RaffleID: raffle.ID, PrizeIndex: 0, BetID: bet.ID, AccountID: bet.AccountID, TicketNumber: 9, Amount: decimal.NewFromInt(50)},
	}
	require.NoError(t, repo.CreateBatch(ctx, winners))
	require.NoError(t, repo.CreateBatch(ctx, nil))

	got, err := repo.GetByRaffle(ctx, raffle.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].PrizeIndex)
	assert.Equal(t, int64(9), got[0].TicketNumber)
	assert.True(t, decimal.NewFromInt(50).Equal(got[0].Amount))
	assert.Equal(t, 1, got[1].PrizeIndex)

	// A prize slot is awarded once
	err = repo.CreateBatch(ctx, winners[:1])
	assert.Error(t, err)
}
