package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("debit: %w", WithCause(ErrInsufficientFunds, errors.New("balance 3 < 10")))
	assert.ErrorIs(t, wrapped, ErrInsufficientFunds)
	assert.Equal(t, KindBusiness, KindOf(wrapped))
	assert.Equal(t, CodeInsufficientFunds, CodeOf(wrapped))
	assert.Equal(t, "insufficient funds", PublicMessage(wrapped))

	plain := errors.New("pq: connection reset by secret-host")
	assert.Equal(t, KindInfrastructure, KindOf(plain))
	assert.Equal(t, CodeInternal, CodeOf(plain))
	assert.NotContains(t, PublicMessage(plain), "secret-host")

	assert.True(t, IsConsistency(ErrWinnerNotFound))
	assert.False(t, IsBusiness(ErrWinnerNotFound))
	assert.False(t, IsBusiness(nil))
}

func TestErrorIsMatchesKindAndCode(t *testing.T) {
	t.Parallel()

	remote := FromDescriptor("business", CodeTicketTaken, "ticket number already taken")
	assert.ErrorIs(t, remote, ErrTicketTaken)
	assert.NotErrorIs(t, remote, ErrRaffleFinished)

	unknownKind := FromDescriptor("", CodeInternal, "boom")
	assert.Equal(t, KindInfrastructure, unknownKind.Kind)
}

func TestInvalid(t *testing.T) {
	t.Parallel()

	err := Invalid("ticket %d out of range", 42)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, "ticket 42 out of range", PublicMessage(err))
}
