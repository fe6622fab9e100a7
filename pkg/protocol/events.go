// Package protocol is the wire format of the real-time channel: the
// envelope carried on the event bus, the frames written to sockets and the
// commands clients send.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventMessageCreated  EventType = "message.created"
	EventMessageEdited   EventType = "message.edited"
	EventMessageDeleted  EventType = "message.deleted"
	EventReactionChanged EventType = "reaction.changed"
	EventTypingStart     EventType = "typing.start"
	EventTypingStop      EventType = "typing.stop"
	EventReadReceipt     EventType = "read.receipt"
	EventParticipantLeft EventType = "participant.left"
	EventError           EventType = "error"
	EventAck             EventType = "ack"
)

// Ephemeral events are never archived.
func (t EventType) Ephemeral() bool {
	return t == EventTypingStart || t == EventTypingStop
}

// Event is one of the server-to-client variants below.
type Event interface {
	Type() EventType
	payload() any
}

type MessageCreated struct{ Message MessagePayload }
type MessageEdited struct{ Message MessagePayload }
type MessageDeleted struct{ Message MessagePayload }
type ReactionChanged struct{ Reaction ReactionPayload }
type TypingStarted struct{ UserID uuid.UUID }
type TypingStopped struct{ UserID uuid.UUID }
type ParticipantLeft struct{ UserID uuid.UUID }
type ReadReceipt struct{ Receipt ReadReceiptPayload }

func (MessageCreated) Type() EventType  { return EventMessageCreated }
func (MessageEdited) Type() EventType   { return EventMessageEdited }
func (MessageDeleted) Type() EventType  { return EventMessageDeleted }
func (ReactionChanged) Type() EventType { return EventReactionChanged }
func (TypingStarted) Type() EventType   { return EventTypingStart }
func (TypingStopped) Type() EventType   { return EventTypingStop }
func (ReadReceipt) Type() EventType     { return EventReadReceipt }
func (ParticipantLeft) Type() EventType { return EventParticipantLeft }

func (e MessageCreated) payload() any  { return e.Message }
func (e MessageEdited) payload() any   { return e.Message }
func (e MessageDeleted) payload() any  { return e.Message }
func (e ReactionChanged) payload() any { return e.Reaction }
func (e TypingStarted) payload() any   { return TypingPayload{UserID: e.UserID} }
func (e TypingStopped) payload() any   { return TypingPayload{UserID: e.UserID} }
func (e ReadReceipt) payload() any     { return e.Receipt }
func (e ParticipantLeft) payload() any { return MembershipPayload{UserID: e.UserID} }

// Envelope is what travels on the bus. Recipients, when set, restricts
// delivery to those users' connections; otherwise the event goes to every
// connection joined to the conversation. Exclude is never delivered to.
type Envelope struct {
	ID             int64           `json:"id"`
	Type           EventType       `json:"type"`
	ConversationID uuid.UUID       `json:"conversationId"`
	Recipients     []uuid.UUID     `json:"recipients,omitempty"`
	Exclude        *uuid.UUID      `json:"exclude,omitempty"`
	OccurredAt     time.Time       `json:"occurredAt"`
	Data           json.RawMessage `json:"data"`
}

func NewEnvelope(id int64, conversationID uuid.UUID, ev Event, at time.Time) (Envelope, error) {
	data, err := json.Marshal(ev.payload())
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", ev.Type(), err)
	}
	return Envelope{
		ID:             id,
		Type:           ev.Type(),
		ConversationID: conversationID,
		OccurredAt:     at.UTC(),
		Data:           data,
	}, nil
}

// Delivers reports whether a connection owned by userID should get env.
func (e Envelope) Delivers(userID uuid.UUID) bool {
	if e.Exclude != nil && *e.Exclude == userID {
		return false
	}
	if len(e.Recipients) == 0 {
		return true
	}
	for _, r := range e.Recipients {
		if r == userID {
			return true
		}
	}
	return false
}

// Decode returns the typed variant carried by the envelope.
func (e Envelope) Decode() (Event, error) {
	return decodeEvent(e.Type, e.Data)
}

func decodeEvent(t EventType, data json.RawMessage) (Event, error) {
	switch t {
	case EventMessageCreated, EventMessageEdited, EventMessageDeleted:
		var p MessagePayload
		if err := decodeStrict(data, &p); err != nil {
			return nil, err
		}
		switch t {
		case EventMessageCreated:
			return MessageCreated{Message: p}, nil
		case EventMessageEdited:
			return MessageEdited{Message: p}, nil
		}
		return MessageDeleted{Message: p}, nil
	case EventReactionChanged:
		var p ReactionPayload
		if err := decodeStrict(data, &p); err != nil {
			return nil, err
		}
		return ReactionChanged{Reaction: p}, nil
	case EventTypingStart, EventTypingStop:
		var p TypingPayload
		if err := decodeStrict(data, &p); err != nil {
			return nil, err
		}
		if t == EventTypingStart {
			return TypingStarted{UserID: p.UserID}, nil
		}
		return TypingStopped{UserID: p.UserID}, nil
	case EventReadReceipt:
		var p ReadReceiptPayload
		if err := decodeStrict(data, &p); err != nil {
			return nil, err
		}
		return ReadReceipt{Receipt: p}, nil
	case EventParticipantLeft:
		var p MembershipPayload
		if err := decodeStrict(data, &p); err != nil {
			return nil, err
		}
		return ParticipantLeft{UserID: p.UserID}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}

// Frame is the JSON object written to a socket.
type Frame struct {
	ID             int64           `json:"id,string,omitempty"`
	Type           EventType       `json:"type"`
	ConversationID *uuid.UUID      `json:"conversationId,omitempty"`
	At             time.Time       `json:"at"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Frame strips routing information before the event reaches a client.
func (e Envelope) Frame() ([]byte, error) {
	conv := e.ConversationID
	return json.Marshal(Frame{
		ID:             e.ID,
		Type:           e.Type,
		ConversationID: &conv,
		At:             e.OccurredAt,
		Data:           e.Data,
	})
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after object")
	}
	return nil
}
