package entities

import (
	"fmt"

	"github.com/shopspring/decimal"

	"raffler/domain"
)

// BalanceOperation is an arithmetic operation applied to a balance
type BalanceOperation string

const (
	OperationAdd      BalanceOperation = "add"
	OperationSubtract BalanceOperation = "subtract"
	OperationMultiply BalanceOperation = "multiply"
	OperationDivide   BalanceOperation = "divide"
)

// MoneyScale is the number of decimal places the store keeps for money
const MoneyScale = 4

// HasMoneyScale reports whether d is stored exactly with MoneyScale decimal places
func HasMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale))
}

// ApplyBalanceOperation computes balance <op> operand with exact decimal arithmetic
func ApplyBalanceOperation(balance decimal.Decimal, op BalanceOperation, operand decimal.Decimal) (decimal.Decimal, error) {
	switch op {
	case OperationAdd:
		return balance.Add(operand), nil
	case OperationSubtract:
		return balance.Sub(operand), nil
	case OperationMultiply:
		return balance.Mul(operand), nil
	case OperationDivide:
		if operand.IsZero() {
			return decimal.Zero, domain.ErrDivisionByZero
		}
		return balance.DivRound(operand, MoneyScale), nil
	default:
		return decimal.Zero, domain.WithCause(domain.ErrUnsupportedOperation, fmt.Errorf("operation %q", op))
	}
}

// TicketCost returns price * count
func TicketCost(price decimal.Decimal, count int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(count)))
}
