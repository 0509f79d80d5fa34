package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"raffler/domain/events"
)

// NATSEventSubscriber subscribes to broadcast subjects and unwraps event envelopes
type NATSEventSubscriber struct {
	natsClient    *NATSClient
	subjectMapper *EventSubjectMapper
}

// NewNATSEventSubscriber creates a new NATS event subscriber
func NewNATSEventSubscriber(natsClient *NATSClient, subjectMapper *EventSubjectMapper) *NATSEventSubscriber {
	return &NATSEventSubscriber{
		natsClient:    natsClient,
		subjectMapper: subjectMapper,
	}
}

// Subscribe registers handler for every envelope arriving on subject
func (s *NATSEventSubscriber) Subscribe(ctx context.Context, subject string, handler func(context.Context, events.EventType, *EventEnvelope) error) error {
	return s.natsClient.Subscribe(subject, func(actual string, data []byte) error {
		envelope, err := decodeEnvelope(data)
		if err != nil {
			return fmt.Errorf("failed to decode message on %s: %w", actual, err)
		}

		eventType := s.subjectMapper.MapSubjectToEventType(actual)
		if string(eventType) != envelope.EventType {
			log.WithFields(log.Fields{
				"subject":           actual,
				"eventType":         eventType,
				"envelopeEventType": envelope.EventType,
			}).Warn("Envelope event type does not match subject")
		}

		return handler(ctx, eventType, envelope)
	})
}

func decodeEnvelope(data []byte) (*EventEnvelope, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	if envelope.EventType == "" {
		return nil, fmt.Errorf("event envelope has no type")
	}
	return &envelope, nil
}
