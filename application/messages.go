package application

import (
	"encoding/json"

	"github.com/google/uuid"

	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/interfaces"
)

const (
	// DefaultBalanceQueue is the serializer queue used when none is configured
	DefaultBalanceQueue = "balance_mutations"
	// ControlQueue carries raffle creation requests to the coordinator
	ControlQueue = "raffle_control"
)

// RaffleMessageType identifies the operation carried on a raffle queue
type RaffleMessageType string

const (
	MessageBuy         RaffleMessageType = "buy"
	MessageForceFinish RaffleMessageType = "force_finish"
	MessageCancel      RaffleMessageType = "cancel"
)

// RaffleMessage is the body of every message on a raffle queue
type RaffleMessage struct {
	Type     RaffleMessageType      `json:"type"`
	RaffleID uuid.UUID              `json:"raffleId"`
	Buy      *interfaces.BuyRequest `json:"buy,omitempty"`
	Trigger  interfaces.DrawTrigger `json:"trigger,omitempty"`
}

// NewBuyMessage wraps a purchase intent
func NewBuyMessage(req interfaces.BuyRequest) RaffleMessage {
	return RaffleMessage{Type: MessageBuy, RaffleID: req.RaffleID, Buy: &req}
}

// NewFinishMessage asks the raffle consumer to draw now
func NewFinishMessage(raffleID uuid.UUID, trigger interfaces.DrawTrigger) RaffleMessage {
	return RaffleMessage{Type: MessageForceFinish, RaffleID: raffleID, Trigger: trigger}
}

// NewCancelMessage asks the raffle consumer to cancel and refund
func NewCancelMessage(raffleID uuid.UUID) RaffleMessage {
	return RaffleMessage{Type: MessageCancel, RaffleID: raffleID}
}

func decodeRaffleMessage(body []byte) (*RaffleMessage, error) {
	var msg RaffleMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, domain.WithCause(domain.ErrInvalidPayload, err)
	}
	switch msg.Type {
	case MessageBuy:
		if msg.Buy == nil {
			return nil, domain.Invalid("buy message without purchase")
		}
		if msg.RaffleID == uuid.Nil {
			msg.RaffleID = msg.Buy.RaffleID
		}
	case MessageForceFinish:
		if msg.Trigger == "" {
			msg.Trigger = interfaces.TriggerForceFinish
		}
	case MessageCancel:
	default:
		return nil, domain.Invalid("unknown message type %q", msg.Type)
	}
	return &msg, nil
}

func decodeMutationRequest(body []byte) (*entities.BalanceMutationRequest, error) {
	var req entities.BalanceMutationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, domain.WithCause(domain.ErrInvalidPayload, err)
	}
	return &req, nil
}

func decodeCreateRequest(body []byte) (*interfaces.CreateRaffleRequest, error) {
	var req interfaces.CreateRaffleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, domain.WithCause(domain.ErrInvalidPayload, err)
	}
	return &req, nil
}
