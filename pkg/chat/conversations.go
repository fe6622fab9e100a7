package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/admission"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/samber/lo"
)

type CreateConversationInput struct {
	Type           model.ConversationType
	ParticipantIDs []uuid.UUID
	PostingID      *string
	Title          string
}

// prepareConversation checks the type and count invariants. The creator is
// always a participant and is included in the returned id set.
func (s *Service) prepareConversation(actor model.Actor, in CreateConversationInput) (model.Conversation, []uuid.UUID, string, error) {
	if !in.Type.Valid() {
		return model.Conversation{}, nil, "", apperr.Invalid("unknown conversation type %q", in.Type)
	}
	ids := lo.Uniq(append([]uuid.UUID{actor.UserID}, in.ParticipantIDs...))
	title, err := normalizeTitle(in.Title)
	if err != nil {
		return model.Conversation{}, nil, "", err
	}

	conv := model.Conversation{
		ID:        uuid.New(),
		Type:      in.Type,
		Title:     title,
		CreatedBy: actor.UserID,
	}
	var directKey string

	switch in.Type {
	case model.TypeDirect:
		if len(ids) != 2 {
			return model.Conversation{}, nil, "", apperr.Invalid("a direct conversation has exactly two distinct participants")
		}
		if title != "" || in.PostingID != nil {
			return model.Conversation{}, nil, "", apperr.Invalid("a direct conversation has no title or posting")
		}
		directKey = model.DirectKey(ids[0], ids[1])
	case model.TypeGroup, model.TypePostLinked:
		if len(ids) < 2 {
			return model.Conversation{}, nil, "", apperr.Invalid("a %s conversation needs at least two participants", strings.ToLower(string(in.Type)))
		}
		if len(ids) > s.opts.MaxGroupSize {
			return model.Conversation{}, nil, "", apperr.Invalid("at most %d participants are allowed", s.opts.MaxGroupSize)
		}
		if in.Type == model.TypePostLinked {
			if in.PostingID == nil || strings.TrimSpace(*in.PostingID) == "" {
				return model.Conversation{}, nil, "", apperr.Invalid("a post-linked conversation references exactly one posting")
			}
			posting := strings.TrimSpace(*in.PostingID)
			conv.PostingID = &posting
		} else if in.PostingID != nil {
			return model.Conversation{}, nil, "", apperr.Invalid("only post-linked conversations reference a posting")
		}
	}
	return conv, ids, directKey, nil
}

// createInTx inserts conv and its participants, or returns the existing
// DIRECT conversation for the pair.
func createInTx(ctx context.Context, tx store.Tx, conv model.Conversation, ids []uuid.UUID, directKey string) (model.Conversation, bool, error) {
	conv, created, err := tx.InsertConversation(ctx, conv, directKey)
	if err != nil {
		return model.Conversation{}, false, err
	}
	if created {
		if _, err := tx.AddParticipants(ctx, conv.ID, ids); err != nil {
			return model.Conversation{}, false, err
		}
	}
	return conv, created, nil
}

// CreateConversation creates a conversation with the caller as a
// participant. For DIRECT it is idempotent per pair: created is false and
// the existing conversation is returned.
func (s *Service) CreateConversation(ctx context.Context, actor model.Actor, in CreateConversationInput) (detail model.ConversationDetail, created bool, err error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.admit(ctx, admission.PolicyCreateConversation, actor); err != nil {
		return model.ConversationDetail{}, false, err
	}
	conv, ids, directKey, err := s.prepareConversation(actor, in)
	if err != nil {
		return model.ConversationDetail{}, false, err
	}
	if err := s.validateUsers(ctx, ids); err != nil {
		return model.ConversationDetail{}, false, done("create conversation", err)
	}

	err = s.store.InTx(ctx, "create conversation", func(tx store.Tx) error {
		c, ok, err := createInTx(ctx, tx, conv, ids, directKey)
		if err != nil {
			return err
		}
		ps, err := tx.ListParticipants(ctx, c.ID, true)
		if err != nil {
			return err
		}
		detail, created = model.ConversationDetail{Conversation: c, Participants: ps}, ok
		return nil
	})
	if err != nil {
		return model.ConversationDetail{}, false, done("create conversation", err)
	}
	s.log.Info("conversation ready",
		"conversation_id", detail.ID, "type", detail.Type, "created", created, "participants", len(detail.Participants))
	return detail, created, nil
}

func (s *Service) GetConversation(ctx context.Context, actor model.Actor, id uuid.UUID) (model.ConversationDetail, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var detail model.ConversationDetail
	err := s.store.View(ctx, "get conversation", func(tx store.Tx) error {
		c, err := tx.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		if err := requireMember(ctx, tx, id, actor); err != nil {
			return err
		}
		ps, err := tx.ListParticipants(ctx, id, false)
		if err != nil {
			return err
		}
		detail = model.ConversationDetail{Conversation: c, Participants: ps}
		return nil
	})
	return detail, done("get conversation", err)
}

// ListConversations pages the caller's active conversations, most recently
// updated first, each with its last message and unread count.
func (s *Service) ListConversations(ctx context.Context, actor model.Actor, cursor string, limit int) (model.ConversationPage, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var after *model.ConversationCursor
	if cursor != "" {
		c, err := model.DecodeConversationCursor(cursor)
		if err != nil {
			return model.ConversationPage{}, apperr.Invalid("malformed cursor")
		}
		after = &c
	}
	limit = pageSize(limit)

	var page model.ConversationPage
	err := s.store.View(ctx, "list conversations", func(tx store.Tx) error {
		rows, err := tx.ListConversations(ctx, actor.UserID, after, limit+1)
		if err != nil {
			return err
		}
		if len(rows) > limit {
			rows = rows[:limit]
			last := rows[limit-1]
			page.NextCursor = model.ConversationCursor{UpdatedAt: last.UpdatedAt, ID: last.ID.String()}.Encode()
		}
		page.Conversations = rows
		return nil
	})
	return page, done("list conversations", err)
}

// RenameConversation sets the title of a GROUP or POST_LINKED conversation.
// A post-linked title is its own field and does not follow the posting.
func (s *Service) RenameConversation(ctx context.Context, actor model.Actor, id uuid.UUID, title string) (model.Conversation, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.admit(ctx, admission.PolicyMembership, actor); err != nil {
		return model.Conversation{}, err
	}
	title, err := normalizeTitle(title)
	if err != nil {
		return model.Conversation{}, err
	}
	if title == "" {
		return model.Conversation{}, apperr.Invalid("title is required")
	}

	var out model.Conversation
	err = s.store.InTx(ctx, "rename conversation", func(tx store.Tx) error {
		c, err := tx.LockConversation(ctx, id)
		if err != nil {
			return err
		}
		if !c.Type.Titled() {
			return apperr.Invalid("%s conversations have no title", strings.ToLower(string(c.Type)))
		}
		if _, err := requireActive(ctx, tx, id, actor.UserID); err != nil {
			return err
		}
		out, err = tx.UpdateTitle(ctx, id, title)
		return err
	})
	return out, done("rename conversation", err)
}

// LeaveConversation soft-removes the caller. DIRECT conversations keep both
// participants for their lifetime.
func (s *Service) LeaveConversation(ctx context.Context, actor model.Actor, id uuid.UUID) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.admit(ctx, admission.PolicyMembership, actor); err != nil {
		return err
	}
	var remaining []uuid.UUID
	err := s.store.InTx(ctx, "leave conversation", func(tx store.Tx) error {
		c, err := tx.LockConversation(ctx, id)
		if err != nil {
			return err
		}
		if c.Type == model.TypeDirect {
			return apperr.Invalid("direct conversations cannot be left")
		}
		if _, err := requireActive(ctx, tx, id, actor.UserID); err != nil {
			return err
		}
		if err := tx.MarkLeft(ctx, id, actor.UserID); err != nil {
			return err
		}
		remaining, err = activeUserIDs(ctx, tx, id)
		return err
	})
	if err != nil {
		return done("leave conversation", err)
	}
	// The leaver is told too, so every gateway drops their connections from
	// the room.
	s.notifier.Notify(id, protocol.ParticipantLeft{UserID: actor.UserID},
		Target{Recipients: append(remaining, actor.UserID)})
	s.log.Info("participant left", "conversation_id", id, "user_id", actor.UserID)
	return nil
}

// AddParticipants adds users to a GROUP or POST_LINKED conversation. Users
// already active are skipped; former participants rejoin with a new row.
func (s *Service) AddParticipants(ctx context.Context, actor model.Actor, id uuid.UUID, userIDs []uuid.UUID) (model.ConversationDetail, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.admit(ctx, admission.PolicyMembership, actor); err != nil {
		return model.ConversationDetail{}, err
	}
	ids := lo.Uniq(userIDs)
	if len(ids) == 0 {
		return model.ConversationDetail{}, apperr.Invalid("at least one user is required")
	}
	if err := s.validateUsers(ctx, ids); err != nil {
		return model.ConversationDetail{}, done("add participants", err)
	}

	var detail model.ConversationDetail
	err := s.store.InTx(ctx, "add participants", func(tx store.Tx) error {
		c, err := tx.LockConversation(ctx, id)
		if err != nil {
			return err
		}
		if c.Type == model.TypeDirect {
			return apperr.Invalid("direct conversations have a fixed pair of participants")
		}
		if _, err := requireActive(ctx, tx, id, actor.UserID); err != nil {
			return err
		}
		current, err := activeUserIDs(ctx, tx, id)
		if err != nil {
			return err
		}
		if n := len(lo.Union(current, ids)); n > s.opts.MaxGroupSize {
			return apperr.Invalid("at most %d participants are allowed", s.opts.MaxGroupSize)
		}
		if _, err := tx.AddParticipants(ctx, id, ids); err != nil {
			return err
		}
		ps, err := tx.ListParticipants(ctx, id, true)
		if err != nil {
			return err
		}
		detail = model.ConversationDetail{Conversation: c, Participants: ps}
		return nil
	})
	return detail, done("add participants", err)
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}
