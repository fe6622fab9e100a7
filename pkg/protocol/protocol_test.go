package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestMessageMapping_RoundTrip(t *testing.T) {
	req := require.New(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	m := model.Message{
		ID:               42,
		ConversationID:   uuid.New(),
		SenderID:         uuid.New(),
		Body:             "hello",
		ReplyToMessageID: ptr(int64(7)),
		CreatedAt:        at,
		EditedAt:         ptr(at.Add(time.Minute)),
	}

	raw, err := json.Marshal(MessageToWire(m))
	req.NoError(err)
	var back MessagePayload
	req.NoError(json.Unmarshal(raw, &back))
	got := back.ToModel()

	req.Equal(m.ID, got.ID)
	req.Equal(*m.ReplyToMessageID, *got.ReplyToMessageID)
	req.Nil(got.ForwardedFromMessageID)
	req.True(m.CreatedAt.Equal(got.CreatedAt))
	req.True(m.EditedAt.Equal(*got.EditedAt))
	req.Nil(got.DeletedAt)
}

func TestSummaryMapping_KeepsLastMessage(t *testing.T) {
	req := require.New(t)
	s := model.ConversationSummary{
		Conversation: model.Conversation{ID: uuid.New(), Type: model.TypeGroup, Title: "team"},
		LastMessage:  &model.Message{ID: 9, Body: "latest"},
		UnreadCount:  3,
	}
	got := SummaryToWire(s).ToModel()
	req.Equal(s.ID, got.ID)
	req.Equal("team", got.Title)
	req.Equal(3, got.UnreadCount)
	req.Equal(int64(9), got.LastMessage.ID)
}

func TestEnvelope_DecodeEachVariant(t *testing.T) {
	conv := uuid.New()
	user := uuid.New()
	now := time.Now()
	events := []Event{
		MessageCreated{Message: MessagePayload{ID: 1, ConversationID: conv, SenderID: user, Body: "a"}},
		MessageEdited{Message: MessagePayload{ID: 1, Body: "b"}},
		MessageDeleted{Message: MessagePayload{ID: 1}},
		ReactionChanged{Reaction: ReactionPayload{MessageID: 1, UserID: user, Emoji: "👍", Added: true}},
		TypingStarted{UserID: user},
		TypingStopped{UserID: user},
		ReadReceipt{Receipt: ReadReceiptPayload{ConversationID: conv, UserID: user, LastReadMessageID: 5}},
		ParticipantLeft{UserID: user},
	}
	for _, ev := range events {
		t.Run(string(ev.Type()), func(t *testing.T) {
			req := require.New(t)
			env, err := NewEnvelope(100, conv, ev, now)
			req.NoError(err)

			// Through the bus encoding and back.
			raw, err := json.Marshal(env)
			req.NoError(err)
			var got Envelope
			req.NoError(json.Unmarshal(raw, &got))

			decoded, err := got.Decode()
			req.NoError(err)
			req.Equal(ev.Type(), decoded.Type())
			req.Equal(ev.payload(), decoded.payload())
		})
	}
}

func TestEnvelope_DecodeRejectsUnknownType(t *testing.T) {
	_, err := Envelope{Type: "message.vanished", Data: json.RawMessage(`{}`)}.Decode()
	require.Error(t, err)
}

func TestEnvelope_Delivers(t *testing.T) {
	req := require.New(t)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	room := Envelope{Exclude: &a}
	req.False(room.Delivers(a))
	req.True(room.Delivers(b))

	targeted := Envelope{Recipients: []uuid.UUID{a, b}}
	req.True(targeted.Delivers(a))
	req.False(targeted.Delivers(c))
}

func TestEnvelope_FrameHidesRouting(t *testing.T) {
	req := require.New(t)
	user := uuid.New()
	env, err := NewEnvelope(77, uuid.New(), TypingStarted{UserID: user}, time.Now())
	req.NoError(err)
	env.Recipients = []uuid.UUID{uuid.New()}
	env.Exclude = &user

	raw, err := env.Frame()
	req.NoError(err)
	var m map[string]any
	req.NoError(json.Unmarshal(raw, &m))
	req.Equal("77", m["id"])
	req.Equal("typing.start", m["type"])
	req.NotContains(m, "recipients")
	req.NotContains(m, "exclude")
}

func TestParseCommand(t *testing.T) {
	conv := uuid.New()
	tests := []struct {
		name string
		raw  string
		want Command
	}{
		{"join", `{"type":"join","data":{"conversationId":"` + conv.String() + `"}}`, Join{ConversationID: conv}},
		{"leave", `{"type":"leave","data":{"conversationId":"` + conv.String() + `"}}`, Leave{ConversationID: conv}},
		{"typing start", `{"type":"typing.start","data":{"conversationId":"` + conv.String() + `"}}`, TypingStart{ConversationID: conv}},
		{"typing stop", `{"type":"typing.stop","data":{"conversationId":"` + conv.String() + `"}}`, TypingStop{ConversationID: conv}},
		{"read mark", `{"type":"read.mark","ref":"r1","data":{"conversationId":"` + conv.String() + `","messageId":12}}`, ReadMark{ConversationID: conv, MessageID: 12}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := ParseCommand([]byte(tt.raw))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommand_ProtocolErrors(t *testing.T) {
	conv := uuid.New().String()
	bad := map[string]string{
		"not json":        `hello`,
		"unknown type":    `{"type":"shout","data":{"conversationId":"` + conv + `"}}`,
		"unknown field":   `{"type":"join","data":{"conversationId":"` + conv + `","x":1}}`,
		"bad uuid":        `{"type":"join","data":{"conversationId":"nope"}}`,
		"missing data":    `{"type":"join"}`,
		"zero message id": `{"type":"read.mark","data":{"conversationId":"` + conv + `","messageId":0}}`,
		"extra top level": `{"type":"join","data":{"conversationId":"` + conv + `"},"extra":true}`,
	}
	for name, raw := range bad {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseCommand([]byte(raw))
			require.Error(t, err)
			require.Equal(t, apperr.CodeProtocol, apperr.CodeOf(err))
		})
	}
}

func TestEncodeCommand_ParsesBack(t *testing.T) {
	req := require.New(t)
	cmd := ReadMark{ConversationID: uuid.New(), MessageID: 3}
	raw, err := EncodeCommand(cmd, "abc")
	req.NoError(err)

	got, ref, err := ParseCommand(raw)
	req.NoError(err)
	req.Equal("abc", ref)
	req.Equal(cmd, got)
}

func TestErrorFrame_UsesPublicView(t *testing.T) {
	req := require.New(t)
	raw, err := ErrorFrame("r9", apperr.Forbidden("not a participant"), time.Now())
	req.NoError(err)

	var f struct {
		Type EventType `json:"type"`
		Data struct {
			Ref  string `json:"ref"`
			Code string `json:"code"`
		} `json:"data"`
	}
	req.NoError(json.Unmarshal(raw, &f))
	req.Equal(EventError, f.Type)
	req.Equal("r9", f.Data.Ref)
	req.Equal(string(apperr.CodePermission), f.Data.Code)
}
