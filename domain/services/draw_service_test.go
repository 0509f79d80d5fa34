package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/events"
	"raffler/domain/interfaces"
)

// soldOutRaffle fills a raffle through the pipeline and returns the draw result
func soldOutRaffle(t *testing.T, f *PipelineFixture) (*entities.Raffle, *interfaces.DrawResult) {
	t.Helper()
	raffle := f.CreateRaffle(6, 10, 100, 50, 25)
	for i := 0; i < 3; i++ {
		result, err := f.Buy(raffle.ID, f.FundAccount(100), 2)
		require.NoError(t, err)
		if i == 2 {
			require.NotNil(t, result.Draw)
			return raffle, result.Draw
		}
	}
	return raffle, nil
}

func TestDrawService_Finish_SoldOutIsDeterministic(t *testing.T) {
	t.Parallel()

	drawTickets := func() []int64 {
		f := NewPipelineFixture(t)
		_, draw := soldOutRaffle(t, f)
		var tickets []int64
		for _, w := range draw.Winners {
			tickets = append(tickets, w.TicketNumber)
		}
		return tickets
	}

	first := drawTickets()
	second := drawTickets()
	require.Len(t, first, 3)
	assert.Equal(t, first, second)
}

func TestDrawService_Finish_SoldOut(t *testing.T) {
	t.Parallel()
	f := NewPipelineFixture(t)
	raffle, draw := soldOutRaffle(t, f)

	stored := f.RequireInventoryConsistent(raffle.ID)
	assert.Equal(t, entities.RaffleStatusEnded, stored.Status)
	require.NotNil(t, stored.EndedAt)
	require.Len(t, stored.Winners, 3)

	for i, w := range draw.Winners {
		assert.Equal(t, i, w.PrizeIndex)
		assert.True(t, raffle.Prizes[i].Value.Equal(w.Amount))
		bet := stored.FindBet(w.BetID)
		require.NotNil(t, bet, "winner %d has no bet", i)
		assert.True(t, bet.Owns(w.TicketNumber))
		assert.Equal(t, bet.AccountID, w.AccountID)
		require.NotNil(t, bet.Prize)
	}

	// Payouts are scheduled after the reveal window, never applied at draw time
	credits := f.Store.DeferredCredits()
	require.Len(t, credits, 3)
	for _, credit := range credits {
		assert.Equal(t, entities.MutationCreditPayout, credit.Request.Kind)
		assert.True(t, f.Now.Add(testRevealDuration).Equal(credit.NotBefore))
		assert.Nil(t, credit.DispatchedAt)
	}
	for _, w := range draw.Winners {
		f.RequireBalance(w.AccountID, 80)
	}

	finished := f.Publisher.Events(events.EventTypeRaffleFinished)
	require.Len(t, finished, 1)
	event := finished[0].(events.RaffleFinishedEvent)
	assert.Equal(t, raffle.ID, event.RaffleID)
	assert.Len(t, event.Winners, 3)

	snapshot := f.Publisher.LastSnapshot()
	require.NotNil(t, snapshot)
	assert.NotNil(t, snapshot.Snapshot.Find(raffle.ID, entities.BucketEnded))
	assert.Nil(t, snapshot.Snapshot.Find(raffle.ID, entities.BucketActive))
}

func TestDrawService_Finish_PartialRaffleDrawsClaimedNumbers(t *testing.T) {
	t.Parallel()
	f := NewPipelineFixture(t)
	raffle := f.CreateRaffle(1000, 1, 10, 5)
	buyer := f.FundAccount(100)

	_, err := f.Tickets.Buy(f.Ctx, interfaces.BuyRequest{
		PurchaseID:    uuid.New(),
		RaffleID:      raffle.ID,
		AccountID:     buyer,
		TicketNumbers: []int64{17, 640},
	})
	require.NoError(t, err)

	draw, err := f.Draws.Finish(f.Ctx, raffle.ID, interfaces.TriggerForceFinish)
	require.NoError(t, err)

	require.Len(t, draw.Winners, 2)
	for _, w := range draw.Winners {
		assert.Contains(t, []int64{17, 640}, w.TicketNumber)
		assert.Equal(t, buyer, w.AccountID)
	}
	assert.Equal(t, interfaces.TriggerForceFinish, draw.Trigger)
}

func TestDrawService_Finish_NoBets(t *testing.T) {
	t.Parallel()
	f := NewPipelineFixture(t)
	raffle := f.CreateRaffle(10, 1, 10)

	draw, err := f.Draws.Finish(f.Ctx, raffle.ID, interfaces.TriggerDeadline)
	require.NoError(t, err)

	assert.Empty(t, draw.Winners)
	assert.Equal(t, entities.RaffleStatusEnded, draw.Status)
	assert.Empty(t, f.Store.DeferredCredits())
	_, err = f.Cache.GetOne(f.Ctx, raffle.ID, entities.BucketEnded)
	assert.NoError(t, err)
}

func TestDrawService_Finish_AlreadyFinished(t *testing.T) {
	t.Parallel()
	f := NewPipelineFixture(t)
	raffle := f.CreateRaffle(10, 1, 10)

	_, err := f.Draws.Finish(f.Ctx, raffle.ID, interfaces.TriggerForceFinish)
	require.NoError(t, err)

	_, err = f.Draws.Finish(f.Ctx, raffle.ID, interfaces.TriggerForceFinish)
	assert.ErrorIs(t, err, domain.ErrRaffleFinished)
	assert.Len(t, f.Publisher.Events(events.EventTypeRaffleFinished), 1)
}

func TestDrawService_Finish_UnknownRaffle(t *testing.T) {
	t.Parallel()
	f := NewPipelineFixture(t)

	_, err := f.Draws.Finish(f.Ctx, uuid.New(), interfaces.TriggerForceFinish)
	assert.ErrorIs(t, err, domain.ErrRaffleLost)
	assert.True(t, domain.IsConsistency(err))
}

func TestDrawService_Finish_UnownedWinningTicket(t *testing.T) {
	t.Parallel()
	// Always draws ticket 1
	f := newPipelineFixture(t, &sequenceSource{values: []int64{0}})

	// A full raffle whose bet does not hold ticket 1: the store is corrupt
	raffleID := uuid.New()
	accountID := uuid.New()
	f.Store.SeedRaffle(&entities.Raffle{
		ID:            raffleID,
		Status:        entities.RaffleStatusActive,
		TotalTickets:  2,
		TicketsBought: 2,
		TicketPrice:   decimal.NewFromInt(1),
		Prizes:        []entities.Prize{{Value: decimal.NewFromInt(5)}},
		Version:       3,
		CreatedAt:     f.Now,
		Bets: []*entities.Bet{{
			ID:            uuid.New(),
			RaffleID:      raffleID,
			AccountID:     accountID,
			Amount:        decimal.NewFromInt(2),
			TicketNumbers: []int64{2, 3},
			CreatedAt:     f.Now,
		}},
	})

	_, err := f.Draws.Finish(f.Ctx, raffleID, interfaces.TriggerSoldOut)
	assert.ErrorIs(t, err, domain.ErrWinnerNotFound)
	assert.True(t, domain.IsConsistency(err))

	stored := f.Store.Raffle(raffleID)
	assert.Equal(t, entities.RaffleStatusActive, stored.Status)
	assert.Empty(t, f.Store.DeferredCredits())
}

func TestDrawService_Finish_CounterMismatch(t *testing.T) {
	t.Parallel()
	f := NewPipelineFixture(t)

	raffleID := uuid.New()
	f.Store.SeedRaffle(&entities.Raffle{
		ID:            raffleID,
		Status:        entities.RaffleStatusActive,
		TotalTickets:  10,
		TicketsBought: 4,
		TicketPrice:   decimal.NewFromInt(1),
		Prizes:        []entities.Prize{{Value: decimal.NewFromInt(5)}},
		Version:       2,
		CreatedAt:     f.Now,
		Bets: []*entities.Bet{{
			ID:            uuid.New(),
			RaffleID:      raffleID,
			AccountID:     uuid.New(),
			Amount:        decimal.NewFromInt(1),
			TicketNumbers: []int64{9},
			CreatedAt:     f.Now,
		}},
	})

	_, err := f.Draws.Finish(f.Ctx, raffleID, interfaces.TriggerForceFinish)
	require.Error(t, err)
	assert.True(t, domain.IsConsistency(err))
}

func TestDrawService_Finish_CommitFailureKeepsRaffleActive(t *testing.T) {
	t.Parallel()
	f := NewPipelineFixture(t)
	raffle := f.CreateRaffle(10, 1, 10)
	_, err := f.Buy(raffle.ID, f.FundAccount(10), 2)
	require.NoError(t, err)

	f.Store.FailNextCommit(assert.AnError)
	_, err = f.Draws.Finish(f.Ctx, raffle.ID, interfaces.TriggerForceFinish)
	require.Error(t, err)
	assert.Equal(t, domain.KindInfrastructure, domain.KindOf(err))

	assert.True(t, f.Store.Raffle(raffle.ID).IsActive())
	assert.Empty(t, f.Publisher.Events(events.EventTypeRaffleFinished))
	_, err = f.Cache.GetOne(f.Ctx, raffle.ID, entities.BucketActive)
	assert.NoError(t, err)

	// Redelivery succeeds
	draw, err := f.Draws.Finish(f.Ctx, raffle.ID, interfaces.TriggerForceFinish)
	require.NoError(t, err)
	assert.Len(t, draw.Winners, 1)
	assert.WithinDuration(t, f.Now, *f.Store.Raffle(raffle.ID).EndedAt, time.Second)
}
