package entities

// MutationKind is the type of a balance mutation request
type MutationKind string

// All balance mutation kinds handled by the serializer
const (
	MutationDebitForPurchase MutationKind = "debit-for-purchase"
	MutationCreditDeposit    MutationKind = "credit-deposit"
	MutationCreditPayout     MutationKind = "credit-payout"
	MutationCreditRefund     MutationKind = "credit-refund"
)

// IsDebit returns true if the mutation removes funds
func (k MutationKind) IsDebit() bool {
	return k == MutationDebitForPurchase
}

// IsCredit returns true if the mutation adds funds
func (k MutationKind) IsCredit() bool {
	return k == MutationCreditDeposit || k == MutationCreditPayout || k == MutationCreditRefund
}

// IsValid returns true for supported kinds
func (k MutationKind) IsValid() bool {
	return k.IsDebit() || k.IsCredit()
}

// Operation maps the kind onto the balance arithmetic it performs
func (k MutationKind) Operation() BalanceOperation {
	if k.IsDebit() {
		return OperationSubtract
	}
	if k.IsCredit() {
		return OperationAdd
	}
	return BalanceOperation(k)
}

// String returns the string representation of the mutation kind
func (k MutationKind) String() string {
	return string(k)
}
