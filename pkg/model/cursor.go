package model

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrBadCursor = errors.New("malformed cursor")

// MessageCursor is the (createdAt, id) ordering key of a message.
type MessageCursor struct {
	CreatedAt time.Time
	ID        int64
}

func CursorOf(m Message) MessageCursor {
	return MessageCursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

func (c MessageCursor) Encode() string {
	return encodeCursor(c.CreatedAt, strconv.FormatInt(c.ID, 10))
}

func DecodeMessageCursor(s string) (MessageCursor, error) {
	at, rest, err := decodeCursor(s)
	if err != nil {
		return MessageCursor{}, err
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return MessageCursor{}, ErrBadCursor
	}
	return MessageCursor{CreatedAt: at, ID: id}, nil
}

// ConversationCursor is the (updatedAt, id) key used to page a user's inbox.
type ConversationCursor struct {
	UpdatedAt time.Time
	ID        string
}

func (c ConversationCursor) Encode() string {
	return encodeCursor(c.UpdatedAt, c.ID)
}

func DecodeConversationCursor(s string) (ConversationCursor, error) {
	at, rest, err := decodeCursor(s)
	if err != nil {
		return ConversationCursor{}, err
	}
	if rest == "" {
		return ConversationCursor{}, ErrBadCursor
	}
	return ConversationCursor{UpdatedAt: at, ID: rest}, nil
}

func encodeCursor(at time.Time, key string) string {
	raw := fmt.Sprintf("%d|%s", at.UTC().UnixMicro(), key)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, "", ErrBadCursor
	}
	micros, key, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", ErrBadCursor
	}
	us, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return time.Time{}, "", ErrBadCursor
	}
	return time.UnixMicro(us).UTC(), key, nil
}
