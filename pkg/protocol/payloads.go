package protocol

import (
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

// One wire shape per entity, shared by the HTTP API and the socket events.
// Each has exactly one mapping in each direction.

type MessagePayload struct {
	ID                     int64      `json:"id"`
	ConversationID         uuid.UUID  `json:"conversationId"`
	SenderID               uuid.UUID  `json:"senderId"`
	Body                   string     `json:"body"`
	ReplyToMessageID       *int64     `json:"replyToMessageId,omitempty"`
	ForwardedFromMessageID *int64     `json:"forwardedFromMessageId,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	EditedAt               *time.Time `json:"editedAt,omitempty"`
	DeletedAt              *time.Time `json:"deletedAt,omitempty"`
}

func MessageToWire(m model.Message) MessagePayload {
	return MessagePayload{
		ID:                     m.ID,
		ConversationID:         m.ConversationID,
		SenderID:               m.SenderID,
		Body:                   m.Body,
		ReplyToMessageID:       m.ReplyToMessageID,
		ForwardedFromMessageID: m.ForwardedFromMessageID,
		CreatedAt:              m.CreatedAt,
		EditedAt:               m.EditedAt,
		DeletedAt:              m.DeletedAt,
	}
}

func (p MessagePayload) ToModel() model.Message {
	return model.Message{
		ID:                     p.ID,
		ConversationID:         p.ConversationID,
		SenderID:               p.SenderID,
		Body:                   p.Body,
		ReplyToMessageID:       p.ReplyToMessageID,
		ForwardedFromMessageID: p.ForwardedFromMessageID,
		CreatedAt:              p.CreatedAt,
		EditedAt:               p.EditedAt,
		DeletedAt:              p.DeletedAt,
	}
}

type ReactionPayload struct {
	MessageID int64     `json:"messageId"`
	UserID    uuid.UUID `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
	Added     bool      `json:"added"`
}

func ReactionToWire(r model.Reaction, added bool) ReactionPayload {
	return ReactionPayload{
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji,
		CreatedAt: r.CreatedAt,
		Added:     added,
	}
}

func (p ReactionPayload) ToModel() model.Reaction {
	return model.Reaction{
		MessageID: p.MessageID,
		UserID:    p.UserID,
		Emoji:     p.Emoji,
		CreatedAt: p.CreatedAt,
	}
}

type ReadReceiptPayload struct {
	ConversationID    uuid.UUID `json:"conversationId"`
	UserID            uuid.UUID `json:"userId"`
	LastReadMessageID int64     `json:"lastReadMessageId"`
	ReadAt            time.Time `json:"readAt"`
}

func ReadReceiptToWire(r model.ReadReceipt) ReadReceiptPayload {
	return ReadReceiptPayload{
		ConversationID:    r.ConversationID,
		UserID:            r.UserID,
		LastReadMessageID: r.LastReadMessageID,
		ReadAt:            r.ReadAt,
	}
}

func (p ReadReceiptPayload) ToModel() model.ReadReceipt {
	return model.ReadReceipt{
		ConversationID:    p.ConversationID,
		UserID:            p.UserID,
		LastReadMessageID: p.LastReadMessageID,
		ReadAt:            p.ReadAt,
	}
}

type TypingPayload struct {
	UserID uuid.UUID `json:"userId"`
}

type MembershipPayload struct {
	UserID uuid.UUID `json:"userId"`
}

type ConversationPayload struct {
	ID            uuid.UUID              `json:"id"`
	Type          model.ConversationType `json:"type"`
	Title         string                 `json:"title,omitempty"`
	PostingID     *string                `json:"postingId,omitempty"`
	CreatedBy     uuid.UUID              `json:"createdBy"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
	LastMessageAt *time.Time             `json:"lastMessageAt,omitempty"`
}

func ConversationToWire(c model.Conversation) ConversationPayload {
	return ConversationPayload{
		ID:            c.ID,
		Type:          c.Type,
		Title:         c.Title,
		PostingID:     c.PostingID,
		CreatedBy:     c.CreatedBy,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		LastMessageAt: c.LastMessageAt,
	}
}

func (p ConversationPayload) ToModel() model.Conversation {
	return model.Conversation{
		ID:            p.ID,
		Type:          p.Type,
		Title:         p.Title,
		PostingID:     p.PostingID,
		CreatedBy:     p.CreatedBy,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
		LastMessageAt: p.LastMessageAt,
	}
}

type ParticipantPayload struct {
	ConversationID    uuid.UUID  `json:"conversationId"`
	UserID            uuid.UUID  `json:"userId"`
	JoinedAt          time.Time  `json:"joinedAt"`
	LeftAt            *time.Time `json:"leftAt,omitempty"`
	LastReadMessageID *int64     `json:"lastReadMessageId,omitempty"`
	ReadAt            *time.Time `json:"readAt,omitempty"`
}

func ParticipantToWire(p model.Participant) ParticipantPayload {
	return ParticipantPayload{
		ConversationID:    p.ConversationID,
		UserID:            p.UserID,
		JoinedAt:          p.JoinedAt,
		LeftAt:            p.LeftAt,
		LastReadMessageID: p.LastReadMessageID,
		ReadAt:            p.ReadAt,
	}
}

func (p ParticipantPayload) ToModel() model.Participant {
	return model.Participant{
		ConversationID:    p.ConversationID,
		UserID:            p.UserID,
		JoinedAt:          p.JoinedAt,
		LeftAt:            p.LeftAt,
		LastReadMessageID: p.LastReadMessageID,
		ReadAt:            p.ReadAt,
	}
}

type SummaryPayload struct {
	ConversationPayload
	LastMessage       *MessagePayload `json:"lastMessage,omitempty"`
	UnreadCount       int             `json:"unreadCount"`
	LastReadMessageID *int64          `json:"lastReadMessageId,omitempty"`
}

func SummaryToWire(s model.ConversationSummary) SummaryPayload {
	out := SummaryPayload{
		ConversationPayload: ConversationToWire(s.Conversation),
		UnreadCount:         s.UnreadCount,
		LastReadMessageID:   s.LastReadMessageID,
	}
	if s.LastMessage != nil {
		m := MessageToWire(*s.LastMessage)
		out.LastMessage = &m
	}
	return out
}

func (p SummaryPayload) ToModel() model.ConversationSummary {
	out := model.ConversationSummary{
		Conversation:      p.ConversationPayload.ToModel(),
		UnreadCount:       p.UnreadCount,
		LastReadMessageID: p.LastReadMessageID,
	}
	if p.LastMessage != nil {
		m := p.LastMessage.ToModel()
		out.LastMessage = &m
	}
	return out
}
