package protocol

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
)

type CommandType string

const (
	CommandJoin        CommandType = "join"
	CommandLeave       CommandType = "leave"
	CommandTypingStart CommandType = "typing.start"
	CommandTypingStop  CommandType = "typing.stop"
	CommandReadMark    CommandType = "read.mark"
)

// Command is a client-to-server frame. Every command targets one
// conversation.
type Command interface {
	Kind() CommandType
	Conversation() uuid.UUID
}

type Join struct{ ConversationID uuid.UUID }
type Leave struct{ ConversationID uuid.UUID }
type TypingStart struct{ ConversationID uuid.UUID }
type TypingStop struct{ ConversationID uuid.UUID }
type ReadMark struct {
	ConversationID uuid.UUID
	MessageID      int64
}

func (Join) Kind() CommandType        { return CommandJoin }
func (Leave) Kind() CommandType       { return CommandLeave }
func (TypingStart) Kind() CommandType { return CommandTypingStart }
func (TypingStop) Kind() CommandType  { return CommandTypingStop }
func (ReadMark) Kind() CommandType    { return CommandReadMark }

func (c Join) Conversation() uuid.UUID        { return c.ConversationID }
func (c Leave) Conversation() uuid.UUID       { return c.ConversationID }
func (c TypingStart) Conversation() uuid.UUID { return c.ConversationID }
func (c TypingStop) Conversation() uuid.UUID  { return c.ConversationID }
func (c ReadMark) Conversation() uuid.UUID    { return c.ConversationID }

type commandFrame struct {
	Type CommandType     `json:"type" validate:"required"`
	Ref  string          `json:"ref,omitempty" validate:"max=64"`
	Data json.RawMessage `json:"data" validate:"required"`
}

type conversationData struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
}

type readMarkData struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
	MessageID      int64  `json:"messageId" validate:"required,gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseCommand decodes one inbound frame. Anything malformed, unknown or
// carrying extra fields is a ProtocolError. The returned ref is echoed in
// the matching ack or error frame.
func ParseCommand(raw []byte) (Command, string, error) {
	var f commandFrame
	if err := decodeStrict(raw, &f); err != nil {
		return nil, "", apperr.Protocol("bad frame: %v", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, f.Ref, apperr.Protocol("bad frame: %v", err)
	}

	switch f.Type {
	case CommandJoin, CommandLeave, CommandTypingStart, CommandTypingStop:
		var d conversationData
		if err := decodeData(f.Data, &d); err != nil {
			return nil, f.Ref, err
		}
		id := uuid.MustParse(d.ConversationID)
		switch f.Type {
		case CommandJoin:
			return Join{ConversationID: id}, f.Ref, nil
		case CommandLeave:
			return Leave{ConversationID: id}, f.Ref, nil
		case CommandTypingStart:
			return TypingStart{ConversationID: id}, f.Ref, nil
		}
		return TypingStop{ConversationID: id}, f.Ref, nil
	case CommandReadMark:
		var d readMarkData
		if err := decodeData(f.Data, &d); err != nil {
			return nil, f.Ref, err
		}
		return ReadMark{ConversationID: uuid.MustParse(d.ConversationID), MessageID: d.MessageID}, f.Ref, nil
	}
	return nil, f.Ref, apperr.Protocol("unknown command %q", f.Type)
}

func decodeData(data json.RawMessage, v any) error {
	if err := decodeStrict(data, v); err != nil {
		return apperr.Protocol("bad data: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return apperr.Protocol("bad data: %v", err)
	}
	return nil
}

// EncodeCommand builds a client frame; used by the CLI client and tests.
func EncodeCommand(cmd Command, ref string) ([]byte, error) {
	var data any
	switch c := cmd.(type) {
	case ReadMark:
		data = readMarkData{ConversationID: c.ConversationID.String(), MessageID: c.MessageID}
	default:
		data = conversationData{ConversationID: cmd.Conversation().String()}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(commandFrame{Type: cmd.Kind(), Ref: ref, Data: raw})
}

type AckPayload struct {
	Ref  string      `json:"ref,omitempty"`
	Kind CommandType `json:"type"`
}

type ErrorPayload struct {
	Ref string `json:"ref,omitempty"`
	apperr.Public
}

// AckFrame confirms a command was applied.
func AckFrame(cmd Command, ref string, at time.Time) ([]byte, error) {
	data, err := json.Marshal(AckPayload{Ref: ref, Kind: cmd.Kind()})
	if err != nil {
		return nil, err
	}
	conv := cmd.Conversation()
	return json.Marshal(Frame{Type: EventAck, ConversationID: &conv, At: at.UTC(), Data: data})
}

// ErrorFrame reports a failed command with the public view of err.
func ErrorFrame(ref string, err error, at time.Time) ([]byte, error) {
	data, mErr := json.Marshal(ErrorPayload{Ref: ref, Public: apperr.ToPublic(err)})
	if mErr != nil {
		return nil, mErr
	}
	return json.Marshal(Frame{Type: EventError, At: at.UTC(), Data: data})
}
