package infrastructure

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffler/domain/events"
	"raffler/domain/testhelpers"
)

// failingPublisher rejects the first failures publishes and records the rest
type failingPublisher struct {
	failures  int
	published []events.Event
}

func (p *failingPublisher) Publish(event events.Event) error {
	if p.failures > 0 {
		p.failures--
		return errors.New("nats: connection closed")
	}
	p.published = append(p.published, event)
	return nil
}

func TestTransactionalPublisher_FlushPublishesInOrder(t *testing.T) {
	t.Parallel()
	sink := testhelpers.NewRecordingPublisher()
	publisher := NewTransactionalPublisher(sink)

	first := events.BalanceChangeEvent{AccountID: uuid.New()}
	second := events.RaffleFinishedEvent{RaffleID: uuid.New()}
	require.NoError(t, publisher.Publish(first))
	require.NoError(t, publisher.Publish(second))

	assert.Empty(t, sink.All())
	assert.Equal(t, 2, publisher.Pending())

	require.NoError(t, publisher.Flush(context.Background()))
	assert.Equal(t, []events.Event{first, second}, sink.All())
	assert.Zero(t, publisher.Pending())

	// A second flush publishes nothing new
	require.NoError(t, publisher.Flush(context.Background()))
	assert.Len(t, sink.All(), 2)
}

func TestTransactionalPublisher_Discard(t *testing.T) {
	t.Parallel()
	sink := testhelpers.NewRecordingPublisher()
	publisher := NewTransactionalPublisher(sink)

	require.NoError(t, publisher.Publish(events.BalanceChangeEvent{AccountID: uuid.New()}))
	publisher.Discard()

	require.NoError(t, publisher.Flush(context.Background()))
	assert.Empty(t, sink.All())
}

func TestTransactionalPublisher_FlushContinuesPastFailures(t *testing.T) {
	t.Parallel()
	sink := &failingPublisher{failures: 1}
	publisher := NewTransactionalPublisher(sink)

	lost := events.BalanceChangeEvent{AccountID: uuid.New()}
	kept := events.BalanceChangeEvent{AccountID: uuid.New()}
	require.NoError(t, publisher.Publish(lost))
	require.NoError(t, publisher.Publish(kept))

	require.NoError(t, publisher.Flush(context.Background()))
	assert.Equal(t, []events.Event{kept}, sink.published)
}
