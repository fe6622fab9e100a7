package model

import (
	"time"

	"github.com/google/uuid"
)

type Message struct {
	ID                     int64
	ConversationID         uuid.UUID
	SenderID               uuid.UUID
	Body                   string
	ReplyToMessageID       *int64
	ForwardedFromMessageID *int64
	CreatedAt              time.Time
	EditedAt               *time.Time
	DeletedAt              *time.Time
}

func (m Message) Deleted() bool { return m.DeletedAt != nil }

// Before reports whether m sorts strictly before o in conversation order.
func (m Message) Before(o Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.ID < o.ID
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// NewMessage is a message before the store assigns its ordering key.
type NewMessage struct {
	ConversationID         uuid.UUID
	SenderID               uuid.UUID
	Body                   string
	ReplyToMessageID       *int64
	ForwardedFromMessageID *int64
}

type Reaction struct {
	MessageID int64
	UserID    uuid.UUID
	Emoji     string
	CreatedAt time.Time
}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID    uuid.UUID
	Moderator bool
}

type MessagePage struct {
	Messages []Message
	// NextBefore pages further back in history; empty when exhausted.
	NextBefore string
}

type ConversationPage struct {
	Conversations []ConversationSummary
	NextCursor    string
}
