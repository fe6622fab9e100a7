package model

import (
	"time"

	"github.com/google/uuid"
)

type ConversationType string

const (
	TypeDirect      ConversationType = "DIRECT"
	TypeGroup       ConversationType = "GROUP"
	TypePostLinked  ConversationType = "POST_LINKED"
	directKeyJoiner                  = ":"
)

func (t ConversationType) Valid() bool {
	switch t {
	case TypeDirect, TypeGroup, TypePostLinked:
		return true
	}
	return false
}

// Titled reports whether conversations of this type carry a title.
func (t ConversationType) Titled() bool {
	return t == TypeGroup || t == TypePostLinked
}

type Conversation struct {
	ID            uuid.UUID
	Type          ConversationType
	Title         string
	PostingID     *string
	CreatedBy     uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt *time.Time
}

type Participant struct {
	ConversationID    uuid.UUID
	UserID            uuid.UUID
	JoinedAt          time.Time
	LeftAt            *time.Time
	LastReadMessageID *int64
	ReadAt            *time.Time
}

func (p Participant) Active() bool { return p.LeftAt == nil }

// ReadReceipt is the read position of one participant. It is derived from
// the participant row and never stored on its own.
type ReadReceipt struct {
	ConversationID    uuid.UUID
	UserID            uuid.UUID
	LastReadMessageID int64
	ReadAt            time.Time
}

func (p Participant) Receipt() (ReadReceipt, bool) {
	if p.LastReadMessageID == nil {
		return ReadReceipt{}, false
	}
	r := ReadReceipt{
		ConversationID:    p.ConversationID,
		UserID:            p.UserID,
		LastReadMessageID: *p.LastReadMessageID,
	}
	if p.ReadAt != nil {
		r.ReadAt = *p.ReadAt
	}
	return r, true
}

type ConversationSummary struct {
	Conversation
	LastMessage       *Message
	UnreadCount       int
	LastReadMessageID *int64
}

type ConversationDetail struct {
	Conversation
	Participants []Participant
}

// DirectKey is the unordered-pair key that makes DIRECT conversations unique.
func DirectKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if x > y {
		x, y = y, x
	}
	return x + directKeyJoiner + y
}
