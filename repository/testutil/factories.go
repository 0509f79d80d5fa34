package testutil

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"raffler/domain/entities"
)

// CreateTestRaffle builds an active raffle with one prize per value
func CreateTestRaffle(totalTickets int64, price int64, prizes ...int64) *entities.Raffle {
	raffle := &entities.Raffle{
		ID:           uuid.New(),
		Status:       entities.RaffleStatusActive,
		TotalTickets: totalTickets,
		TicketPrice:  decimal.NewFromInt(price),
		Version:      1,
	}
	for _, p := range prizes {
		raffle.Prizes = append(raffle.Prizes, entities.Prize{Value: decimal.NewFromInt(p)})
	}
	return raffle
}

// CreateTestBet builds a bet on raffleID priced at one unit per ticket
func CreateTestBet(raffleID, accountID uuid.UUID, numbers ...int64) *entities.Bet {
	return &entities.Bet{
		ID:            uuid.New(),
		RaffleID:      raffleID,
		AccountID:     accountID,
		Amount:        decimal.NewFromInt(int64(len(numbers))),
		TicketNumbers: numbers,
	}
}

// CreateTestHistory builds a ledger entry moving balance from before by change
func CreateTestHistory(accountID uuid.UUID, kind entities.MutationKind, before, change int64) *entities.BalanceHistory {
	return &entities.BalanceHistory{
		RequestID:     uuid.New(),
		AccountID:     accountID,
		Kind:          kind,
		Reason:        "test",
		BalanceBefore: decimal.NewFromInt(before),
		BalanceAfter:  decimal.NewFromInt(before + change),
		ChangeAmount:  decimal.NewFromInt(change),
	}
}

// CreateTestDeferredCredit builds a payout credit due at notBefore
func CreateTestDeferredCredit(accountID uuid.UUID, amount int64, notBefore time.Time) *entities.DeferredCredit {
	nb := notBefore.UTC()
	return entities.NewDeferredCredit(entities.BalanceMutationRequest{
		RequestID: uuid.New(),
		AccountID: accountID,
		Kind:      entities.MutationCreditPayout,
		Amount:    decimal.NewFromInt(amount),
		Reason:    "test payout",
		NotBefore: &nb,
	})
}
