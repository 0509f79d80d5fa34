package entities

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffler/domain"
)

func TestApplyBalanceOperation(t *testing.T) {
	t.Parallel()

	balance := decimal.RequireFromString("100.10")

	tests := []struct {
		name     string
		op       BalanceOperation
		operand  string
		want     string
		wantCode string
	}{
		{name: "add keeps exact cents", op: OperationAdd, operand: "0.20", want: "100.3"},
		{name: "subtract", op: OperationSubtract, operand: "0.10", want: "100"},
		{name: "multiply", op: OperationMultiply, operand: "3", want: "300.3"},
		{name: "divide", op: OperationDivide, operand: "4", want: "25.025"},
		{name: "divide by zero", op: OperationDivide, operand: "0", wantCode: domain.CodeDivisionByZero},
		{name: "unsupported", op: BalanceOperation("modulo"), operand: "3", wantCode: domain.CodeUnsupportedOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ApplyBalanceOperation(balance, tt.op, decimal.RequireFromString(tt.operand))
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, domain.CodeOf(err))
				assert.True(t, domain.IsBusiness(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestBalanceMutationRequest_Validate(t *testing.T) {
	t.Parallel()

	valid := func() BalanceMutationRequest {
		return BalanceMutationRequest{
			RequestID: uuid.New(),
			AccountID: uuid.New(),
			Kind:      MutationCreditDeposit,
			Amount:    decimal.NewFromInt(5),
		}
	}

	tests := []struct {
		name     string
		mutate   func(r *BalanceMutationRequest)
		wantCode string
	}{
		{name: "valid", mutate: func(r *BalanceMutationRequest) {}},
		{name: "missing request id", mutate: func(r *BalanceMutationRequest) { r.RequestID = uuid.Nil }, wantCode: domain.CodeInvalidPayload},
		{name: "missing account", mutate: func(r *BalanceMutationRequest) { r.AccountID = uuid.Nil }, wantCode: domain.CodeInvalidPayload},
		{name: "unknown kind", mutate: func(r *BalanceMutationRequest) { r.Kind = "credit-bonus" }, wantCode: domain.CodeUnsupportedOperation},
		{name: "zero amount", mutate: func(r *BalanceMutationRequest) { r.Amount = decimal.Zero }, wantCode: domain.CodeInvalidPayload},
		{name: "four decimal places", mutate: func(r *BalanceMutationRequest) { r.Amount = decimal.RequireFromString("0.0001") }},
		{name: "five decimal places", mutate: func(r *BalanceMutationRequest) { r.Amount = decimal.RequireFromString("0.00005") }, wantCode: domain.CodeInvalidPayload},
		{name: "trailing zeros", mutate: func(r *BalanceMutationRequest) { r.Amount = decimal.RequireFromString("1.500000") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := valid()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantCode, domain.CodeOf(err))
		})
	}
}

func TestBalanceMutationRequest_IsDeferred(t *testing.T) {
	t.Parallel()

	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	assert.False(t, (&BalanceMutationRequest{}).IsDeferred(now))
	assert.True(t, (&BalanceMutationRequest{NotBefore: &future}).IsDeferred(now))
	assert.False(t, (&BalanceMutationRequest{NotBefore: &past}).IsDeferred(now))
}

func TestDeriveRequestID(t *testing.T) {
	t.Parallel()

	purchase := uuid.New()

	debit := DeriveRequestID(purchase, "debit")
	assert.Equal(t, debit, DeriveRequestID(purchase, "debit"), "derivation must be deterministic")
	assert.NotEqual(t, debit, DeriveRequestID(purchase, "refund"))
	assert.NotEqual(t, debit, DeriveRequestID(uuid.New(), "debit"))
	assert.NotEqual(t, purchase, debit)
}

func TestWinner_PayoutRequestIDUniquePerSlot(t *testing.T) {
	t.Parallel()

	raffleID := uuid.New()
	betID := uuid.New()
	first := &Winner{RaffleID: raffleID, PrizeIndex: 0, BetID: betID}
	second := &Winner{RaffleID: raffleID, PrizeIndex: 1, BetID: betID}

	assert.NotEqual(t, first.PayoutRequestID(), second.PayoutRequestID())
	assert.Equal(t, first.PayoutRequestID(), (&Winner{RaffleID: raffleID, PrizeIndex: 0}).PayoutRequestID())
}

func TestBalanceHistory_ValidateTransaction(t *testing.T) {
	t.Parallel()

	ok := &BalanceHistory{
		BalanceBefore: decimal.NewFromInt(10),
		BalanceAfter:  decimal.NewFromInt(7),
		ChangeAmount:  decimal.NewFromInt(-3),
	}
	assert.NoError(t, ok.ValidateTransaction())

	drift := *ok
	drift.BalanceAfter = decimal.NewFromInt(8)
	assert.Error(t, drift.ValidateTransaction())

	zero := *ok
	zero.ChangeAmount = decimal.Zero
	assert.Error(t, zero.ValidateTransaction())
}

func TestDeferredCredit_IsDue(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	credit := NewDeferredCredit(BalanceMutationRequest{RequestID: uuid.New(), AccountID: uuid.New(), NotBefore: &at})

	assert.False(t, credit.IsDue(at.Add(-time.Nanosecond)))
	assert.True(t, credit.IsDue(at))
	assert.True(t, credit.IsDue(at.Add(time.Second)))
}
