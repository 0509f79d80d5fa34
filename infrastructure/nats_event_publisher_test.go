package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffler/domain/entities"
	"raffler/domain/events"
)

type capturedMessage struct {
	subject string
	data    []byte
}

type fakeMessagePublisher struct {
	err      error
	messages []capturedMessage
}

func (f *fakeMessagePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, capturedMessage{subject: subject, data: data})
	return nil
}

func TestEventSubjectMapper(t *testing.T) {
	t.Parallel()
	mapper := NewEventSubjectMapper()
	accountID := uuid.New()

	tests := []struct {
		name    string
		event   events.Event
		subject string
	}{
		{name: "balance change", event: events.BalanceChangeEvent{AccountID: accountID}, subject: "balances." + accountID.String()},
		{name: "snapshot", event: events.RaffleSnapshotEvent{}, subject: "raffles.snapshot"},
		{name: "finished", event: events.RaffleFinishedEvent{}, subject: "raffles.finished"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject := mapper.MapEventToSubject(tt.event)
			assert.Equal(t, tt.subject, subject)
			assert.Equal(t, tt.event.Type(), mapper.MapSubjectToEventType(subject))
		})
	}

	assert.Contains(t, mapper.GetAllSubjects(), "balances.*")
}

func TestNATSEventPublisher_PublishWrapsEnvelope(t *testing.T) {
	t.Parallel()
	client := &fakeMessagePublisher{}
	publisher := NewNATSEventPublisher(client, NewEventSubjectMapper())

	event := events.BalanceChangeEvent{
		AccountID:    uuid.New(),
		RequestID:    uuid.New(),
		Kind:         entities.MutationCreditDeposit,
		OldBalance:   decimal.NewFromInt(5),
		NewBalance:   decimal.NewFromInt(15),
		ChangeAmount: decimal.NewFromInt(10),
	}
	require.NoError(t, publisher.Publish(event))

	require.Len(t, client.messages, 1)
	assert.Equal(t, "balances."+event.AccountID.String(), client.messages[0].subject)

	envelope, err := decodeEnvelope(client.messages[0].data)
	require.NoError(t, err)
	assert.Equal(t, string(events.EventTypeBalanceChange), envelope.EventType)
	assert.Equal(t, "raffler", envelope.SourceService)
	_, err = uuid.Parse(envelope.EventID)
	assert.NoError(t, err)

	var payload events.BalanceChangeEvent
	require.NoError(t, json.Unmarshal(envelope.Payload, &payload))
	assert.Equal(t, event.AccountID, payload.AccountID)
	assert.True(t, event.NewBalance.Equal(payload.NewBalance))
}

func TestNATSEventPublisher_LocalHandlers(t *testing.T) {
	t.Parallel()
	client := &fakeMessagePublisher{}
	publisher := NewNATSEventPublisher(client, NewEventSubjectMapper())

	var received []events.Event
	publisher.RegisterLocalHandler(events.EventTypeRaffleFinished, func(ctx context.Context, event events.Event) error {
		received = append(received, event)
		return errors.New("handler failed")
	})

	finished := events.RaffleFinishedEvent{RaffleID: uuid.New(), Status: entities.RaffleStatusEnded}
	require.NoError(t, publisher.Publish(finished))
	require.NoError(t, publisher.Publish(events.RaffleSnapshotEvent{}))

	// Handler failures do not stop the broadcast
	assert.Equal(t, []events.Event{finished}, received)
	assert.Len(t, client.messages, 2)
}

func TestNATSEventPublisher_ClientError(t *testing.T) {
	t.Parallel()
	client := &fakeMessagePublisher{err: errors.New("nats: no servers available")}
	publisher := NewNATSEventPublisher(client, NewEventSubjectMapper())

	err := publisher.Publish(events.RaffleSnapshotEvent{})
	assert.ErrorContains(t, err, "no servers available")
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	t.Parallel()
	_, err := decodeEnvelope([]byte("not json"))
	assert.Error(t, err)
	_, err = decodeEnvelope([]byte(`{"eventId":"x"}`))
	assert.Error(t, err)
}
