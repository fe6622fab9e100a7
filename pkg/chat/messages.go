package chat

import (
	"context"
	"slices"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/admission"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

type SendMessageInput struct {
	ConversationID   uuid.UUID
	Body             string
	ReplyToMessageID *int64
	// ForwardFromMessageID copies a message the sender can see. An empty
	// body takes the source body.
	ForwardFromMessageID *int64
}

func (s *Service) checkSend(in SendMessageInput) (string, error) {
	body, err := s.validateBody(in.Body, in.ForwardFromMessageID != nil)
	if err != nil {
		return "", err
	}
	if in.ReplyToMessageID != nil && *in.ReplyToMessageID <= 0 {
		return "", apperr.Invalid("replyToMessageId must be positive")
	}
	if in.ForwardFromMessageID != nil && *in.ForwardFromMessageID <= 0 {
		return "", apperr.Invalid("forwardFromMessageId must be positive")
	}
	return body, nil
}

// sendInTx appends one message under the conversation lock and returns it
// with the ids of the active participants to notify.
func sendInTx(ctx context.Context, tx store.Tx, sender uuid.UUID, in SendMessageInput, body string) (model.Message, []uuid.UUID, error) {
	if _, err := tx.LockConversation(ctx, in.ConversationID); err != nil {
		return model.Message{}, nil, err
	}
	if _, err := requireActive(ctx, tx, in.ConversationID, sender); err != nil {
		return model.Message{}, nil, err
	}

	if in.ReplyToMessageID != nil {
		target, err := tx.GetMessage(ctx, *in.ReplyToMessageID)
		if err != nil && !isNotFound(err) {
			return model.Message{}, nil, err
		}
		if err != nil || target.ConversationID != in.ConversationID || target.Deleted() {
			return model.Message{}, nil, apperr.Invalid("reply target %d is not a message in this conversation", *in.ReplyToMessageID)
		}
	}
	if in.ForwardFromMessageID != nil {
		src, err := tx.GetMessage(ctx, *in.ForwardFromMessageID)
		if err != nil && !isNotFound(err) {
			return model.Message{}, nil, err
		}
		if err != nil || src.Deleted() {
			return model.Message{}, nil, apperr.NotFound("message", *in.ForwardFromMessageID)
		}
		if _, err := requireActive(ctx, tx, src.ConversationID, sender); err != nil {
			// Do not reveal messages from conversations the sender cannot see.
			return model.Message{}, nil, apperr.NotFound("message", *in.ForwardFromMessageID)
		}
		if body == "" {
			body = src.Body
		}
	}

	msg, err := tx.InsertMessage(ctx, model.NewMessage{
		ConversationID:         in.ConversationID,
		SenderID:               sender,
		Body:                   body,
		ReplyToMessageID:       in.ReplyToMessageID,
		ForwardedFromMessageID: in.ForwardFromMessageID,
	})
	if err != nil {
		return model.Message{}, nil, err
	}
	recipients, err := activeUserIDs(ctx, tx, in.ConversationID)
	if err != nil {
		return model.Message{}, nil, err
	}
	return msg, recipients, nil
}

// SendMessage appends a message to a conversation the sender is active in.
// The store assigns the ordering key under the conversation lock.
func (s *Service) SendMessage(ctx context.Context, actor model.Actor, in SendMessageInput) (model.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.admit(ctx, admission.PolicySendMessage, actor); err != nil {
		return model.Message{}, err
	}
	body, err := s.checkSend(in)
	if err != nil {
		return model.Message{}, err
	}

	var (
		msg        model.Message
		recipients []uuid.UUID
	)
	err = s.store.InTx(ctx, "send message", func(tx store.Tx) error {
		var err error
		msg, recipients, err = sendInTx(ctx, tx, actor.UserID, in, body)
		return err
	})
	if err != nil {
		return model.Message{}, done("send message", err)
	}
	s.notifier.Notify(msg.ConversationID,
		protocol.MessageCreated{Message: protocol.MessageToWire(msg)},
		Target{Recipients: recipients})
	return msg, nil
}

// SendDirectMessage sends to the DIRECT conversation with recipientID,
// creating it on first send. Conversation and message commit together.
func (s *Service) SendDirectMessage(ctx context.Context, actor model.Actor, recipientID uuid.UUID, in SendMessageInput) (model.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.admit(ctx, admission.PolicySendMessage, actor); err != nil {
		return model.Message{}, err
	}
	conv, ids, directKey, err := s.prepareConversation(actor, CreateConversationInput{
		Type:           model.TypeDirect,
		ParticipantIDs: []uuid.UUID{recipientID},
	})
	if err != nil {
		return model.Message{}, err
	}
	body, err := s.checkSend(in)
	if err != nil {
		return model.Message{}, err
	}
	if err := s.validateUsers(ctx, ids); err != nil {
		return model.Message{}, done("send direct message", err)
	}

	var (
		msg        model.Message
		recipients []uuid.UUID
	)
	err = s.store.InTx(ctx, "send direct message", func(tx store.Tx) error {
		c, _, err := createInTx(ctx, tx, conv, ids, directKey)
		if err != nil {
			return err
		}
		in.ConversationID = c.ID
		msg, recipients, err = sendInTx(ctx, tx, actor.UserID, in, body)
		return err
	})
	if err != nil {
		return model.Message{}, done("send direct message", err)
	}
	s.notifier.Notify(msg.ConversationID,
		protocol.MessageCreated{Message: protocol.MessageToWire(msg)},
		Target{Recipients: recipients})
	return msg, nil
}

// authorOrModerator loads a live message the actor may change.
func authorOrModerator(ctx context.Context, tx store.Tx, actor model.Actor, messageID int64) (model.Message, error) {
	msg, err := tx.GetMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, err
	}
	if msg.Deleted() {
		return model.Message{}, apperr.NotFound("message", messageID)
	}
	if actor.Moderator {
		return msg, nil
	}
	if msg.SenderID != actor.UserID {
		return model.Message{}, apperr.Forbidden("only the sender or a moderator can change this message")
	}
	if _, err := requireActive(ctx, tx, msg.ConversationID, actor.UserID); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

func (s *Service) EditMessage(ctx context.Context, actor model.Actor, messageID int64, body string) (model.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.admit(ctx, admission.PolicyEditMessage, actor); err != nil {
		return model.Message{}, err
	}
	body, err := s.validateBody(body, false)
	if err != nil {
		return model.Message{}, err
	}

	var (
		msg        model.Message
		recipients []uuid.UUID
	)
	err = s.store.InTx(ctx, "edit message", func(tx store.Tx) error {
		if _, err := authorOrModerator(ctx, tx, actor, messageID); err != nil {
			return err
		}
		var err error
		if msg, err = tx.UpdateMessageBody(ctx, messageID, body); err != nil {
			return err
		}
		recipients, err = activeUserIDs(ctx, tx, msg.ConversationID)
		return err
	})
	if err != nil {
		return model.Message{}, done("edit message", err)
	}
	s.notifier.Notify(msg.ConversationID,
		protocol.MessageEdited{Message: protocol.MessageToWire(msg)},
		Target{Recipients: recipients})
	return msg, nil
}

// DeleteMessage soft-deletes. The stored row keeps its body for moderation;
// everything handed back to clients is redacted.
func (s *Service) DeleteMessage(ctx context.Context, actor model.Actor, messageID int64) (model.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.admit(ctx, admission.PolicyEditMessage, actor); err != nil {
		return model.Message{}, err
	}

	var (
		msg        model.Message
		recipients []uuid.UUID
	)
	err := s.store.InTx(ctx, "delete message", func(tx store.Tx) error {
		if _, err := authorOrModerator(ctx, tx, actor, messageID); err != nil {
			return err
		}
		var err error
		if msg, err = tx.SoftDeleteMessage(ctx, messageID); err != nil {
			return err
		}
		recipients, err = activeUserIDs(ctx, tx, msg.ConversationID)
		return err
	})
	if err != nil {
		return model.Message{}, done("delete message", err)
	}
	msg = redact(msg)
	s.notifier.Notify(msg.ConversationID,
		protocol.MessageDeleted{Message: protocol.MessageToWire(msg)},
		Target{Recipients: recipients})
	s.log.Info("message deleted", "message_id", messageID, "by", actor.UserID, "moderator", actor.Moderator)
	return msg, nil
}

func redact(m model.Message) model.Message {
	if m.Deleted() {
		m.Body = ""
	}
	return m
}

type ListMessagesInput struct {
	ConversationID uuid.UUID
	Before         string
	Limit          int
	// IncludeDeleted is honoured for moderators only; they see stored
	// bodies of deleted messages.
	IncludeDeleted bool
}

// ListMessages returns one page of history in ascending order. NextBefore
// continues further back.
func (s *Service) ListMessages(ctx context.Context, actor model.Actor, in ListMessagesInput) (model.MessagePage, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if in.IncludeDeleted && !actor.Moderator {
		return model.MessagePage{}, apperr.Forbidden("only moderators can list deleted messages")
	}
	var before *model.MessageCursor
	if in.Before != "" {
		c, err := model.DecodeMessageCursor(in.Before)
		if err != nil {
			return model.MessagePage{}, apperr.Invalid("malformed cursor")
		}
		before = &c
	}
	limit := pageSize(in.Limit)

	var page model.MessagePage
	err := s.store.View(ctx, "list messages", func(tx store.Tx) error {
		if _, err := tx.GetConversation(ctx, in.ConversationID); err != nil {
			return err
		}
		if err := requireMember(ctx, tx, in.ConversationID, actor); err != nil {
			return err
		}
		rows, err := tx.ListMessages(ctx, in.ConversationID, before, limit+1, in.IncludeDeleted)
		if err != nil {
			return err
		}
		if len(rows) > limit {
			rows = rows[:limit]
			page.NextBefore = model.CursorOf(rows[limit-1]).Encode()
		}
		slices.Reverse(rows)
		page.Messages = rows
		return nil
	})
	if err != nil {
		return model.MessagePage{}, done("list messages", err)
	}
	return page, nil
}

func validEmoji(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiBytes || strings.IndexFunc(emoji, unicode.IsSpace) >= 0 {
		return "", apperr.Invalid("emoji must be 1 to %d bytes without spaces", maxEmojiBytes)
	}
	return emoji, nil
}

func (s *Service) AddReaction(ctx context.Context, actor model.Actor, messageID int64, emoji string) (model.Reaction, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.admit(ctx, admission.PolicyReaction, actor); err != nil {
		return model.Reaction{}, err
	}
	emoji, err := validEmoji(emoji)
	if err != nil {
		return model.Reaction{}, err
	}

	var (
		reaction   model.Reaction
		created    bool
		convID     uuid.UUID
		recipients []uuid.UUID
	)
	err = s.store.InTx(ctx, "add reaction", func(tx store.Tx) error {
		msg, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if msg.Deleted() {
			return apperr.NotFound("message", messageID)
		}
		if _, err := requireActive(ctx, tx, msg.ConversationID, actor.UserID); err != nil {
			return err
		}
		reaction, created, err = tx.AddReaction(ctx, model.Reaction{MessageID: messageID, UserID: actor.UserID, Emoji: emoji})
		if err != nil || !created {
			return err
		}
		convID = msg.ConversationID
		recipients, err = activeUserIDs(ctx, tx, convID)
		return err
	})
	if err != nil {
		return model.Reaction{}, done("add reaction", err)
	}
	if created {
		s.notifier.Notify(convID,
			protocol.ReactionChanged{Reaction: protocol.ReactionToWire(reaction, true)},
			Target{Recipients: recipients})
	}
	return reaction, nil
}

func (s *Service) RemoveReaction(ctx context.Context, actor model.Actor, messageID int64, emoji string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.admit(ctx, admission.PolicyReaction, actor); err != nil {
		return err
	}
	emoji, err := validEmoji(emoji)
	if err != nil {
		return err
	}

	var (
		removed    bool
		convID     uuid.UUID
		recipients []uuid.UUID
	)
	err = s.store.InTx(ctx, "remove reaction", func(tx store.Tx) error {
		msg, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if _, err := requireActive(ctx, tx, msg.ConversationID, actor.UserID); err != nil {
			return err
		}
		if removed, err = tx.RemoveReaction(ctx, messageID, actor.UserID, emoji); err != nil || !removed {
			return err
		}
		convID = msg.ConversationID
		recipients, err = activeUserIDs(ctx, tx, convID)
		return err
	})
	if err != nil {
		return done("remove reaction", err)
	}
	if removed {
		s.notifier.Notify(convID,
			protocol.ReactionChanged{Reaction: protocol.ReactionToWire(model.Reaction{
				MessageID: messageID, UserID: actor.UserID, Emoji: emoji,
			}, false)},
			Target{Recipients: recipients})
	}
	return nil
}

// MarkRead moves the caller's read position forward to messageID. A lower
// or equal messageID leaves the position unchanged and emits nothing.
func (s *Service) MarkRead(ctx context.Context, actor model.Actor, conversationID uuid.UUID, messageID int64) (model.ReadReceipt, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.admit(ctx, admission.PolicyReadMark, actor); err != nil {
		return model.ReadReceipt{}, err
	}
	if messageID <= 0 {
		return model.ReadReceipt{}, apperr.Invalid("messageId must be positive")
	}

	var (
		receipt    model.ReadReceipt
		advanced   bool
		recipients []uuid.UUID
	)
	err := s.store.InTx(ctx, "mark read", func(tx store.Tx) error {
		if _, err := requireActive(ctx, tx, conversationID, actor.UserID); err != nil {
			return err
		}
		msg, err := tx.GetMessage(ctx, messageID)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err != nil || msg.ConversationID != conversationID {
			return apperr.Invalid("message %d does not belong to this conversation", messageID)
		}
		p, ok, err := tx.AdvanceRead(ctx, conversationID, actor.UserID, messageID)
		if err != nil {
			return err
		}
		receipt, _ = p.Receipt()
		advanced = ok
		if !advanced {
			return nil
		}
		recipients, err = activeUserIDs(ctx, tx, conversationID)
		return err
	})
	if err != nil {
		return model.ReadReceipt{}, done("mark read", err)
	}
	if advanced {
		s.notifier.Notify(conversationID,
			protocol.ReadReceipt{Receipt: protocol.ReadReceiptToWire(receipt)},
			Target{Recipients: recipients})
	}
	return receipt, nil
}
