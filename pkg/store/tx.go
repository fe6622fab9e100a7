package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/samber/lo"
)

// DBTX is satisfied by pgx.Tx, *pgx.Conn and *pgxpool.Pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	tx pgx.Tx
}

const conversationColumns = `c.id, c.type, c.title, c.posting_id, c.created_by, c.created_at, c.updated_at, c.last_message_at`

const messageColumns = `id, conversation_id, sender_id, body, reply_to_message_id, forwarded_from_message_id, created_at, edited_at, deleted_at`

const participantColumns = `conversation_id, user_id, joined_at, left_at, last_read_message_id, read_at`

func scanConversation(row pgx.Row, extra ...any) (model.Conversation, error) {
	var c model.Conversation
	dest := append([]any{
		&c.ID, &c.Type, &c.Title, &c.PostingID, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt, &c.LastMessageAt,
	}, extra...)
	err := row.Scan(dest...)
	return c, err
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var m model.Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Body,
		&m.ReplyToMessageID, &m.ForwardedFromMessageID,
		&m.CreatedAt, &m.EditedAt, &m.DeletedAt,
	)
	return m, err
}

func scanParticipant(row pgx.Row) (model.Participant, error) {
	var p model.Participant
	err := row.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &p.LeftAt, &p.LastReadMessageID, &p.ReadAt)
	return p, err
}

func notFound(err error, resource string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(resource, id)
	}
	return err
}

func uuidStrings(ids []uuid.UUID) []string {
	return lo.Map(ids, func(id uuid.UUID, _ int) string { return id.String() })
}

func (t *pgTx) InsertConversation(ctx context.Context, c model.Conversation, directKey string) (model.Conversation, bool, error) {
	query := `
		INSERT INTO conversations AS c (id, type, title, posting_id, direct_key, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (direct_key)
		DO UPDATE SET direct_key = EXCLUDED.direct_key
		RETURNING ` + conversationColumns + `, (xmax = 0)
	`
	var key *string
	if directKey != "" {
		key = &directKey
	}
	var created bool
	out, err := scanConversation(
		t.tx.QueryRow(ctx, query, c.ID, c.Type, c.Title, c.PostingID, key, c.CreatedBy),
		&created,
	)
	if err != nil {
		return model.Conversation{}, false, err
	}
	return out, created, nil
}

func (t *pgTx) GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE c.id = $1`
	c, err := scanConversation(t.tx.QueryRow(ctx, query, id))
	return c, notFound(err, "conversation", id)
}

func (t *pgTx) LockConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE c.id = $1 FOR UPDATE`
	c, err := scanConversation(t.tx.QueryRow(ctx, query, id))
	return c, notFound(err, "conversation", id)
}

func (t *pgTx) UpdateTitle(ctx context.Context, id uuid.UUID, title string) (model.Conversation, error) {
	query := `
		UPDATE conversations AS c
		SET title = $2, updated_at = GREATEST(NOW(), c.updated_at)
		WHERE c.id = $1
		RETURNING ` + conversationColumns
	c, err := scanConversation(t.tx.QueryRow(ctx, query, id, title))
	return c, notFound(err, "conversation", id)
}

func (t *pgTx) ListConversations(ctx context.Context, userID uuid.UUID, after *model.ConversationCursor, limit int) ([]model.ConversationSummary, error) {
	query := `
		SELECT
			` + conversationColumns + `,
			p.last_read_message_id,
			lm.id,
			lm.sender_id,
			lm.body,
			lm.reply_to_message_id,
			lm.forwarded_from_message_id,
			lm.created_at,
			lm.edited_at,
			(
				SELECT COUNT(*)
				FROM messages um
				WHERE um.conversation_id = c.id
				  AND um.deleted_at IS NULL
				  AND um.sender_id <> $1
				  AND um.id > COALESCE(p.last_read_message_id, 0)
			)
		FROM participants p
		JOIN conversations c ON c.id = p.conversation_id
		LEFT JOIN LATERAL (
			SELECT id, sender_id, body, reply_to_message_id, forwarded_from_message_id, created_at, edited_at
			FROM messages
			WHERE conversation_id = c.id AND deleted_at IS NULL
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		WHERE p.user_id = $1
		  AND p.left_at IS NULL
		  AND ($2::timestamptz IS NULL OR (c.updated_at, c.id) < ($2::timestamptz, $3::uuid))
		ORDER BY c.updated_at DESC, c.id DESC
		LIMIT $4
	`
	var (
		afterAt *time.Time
		afterID *string
	)
	if after != nil {
		afterAt, afterID = &after.UpdatedAt, &after.ID
	}

	rows, err := t.tx.Query(ctx, query, userID, afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]model.ConversationSummary, 0)
	for rows.Next() {
		var (
			s        model.ConversationSummary
			lmID     *int64
			lmSender *uuid.UUID
			lmBody   *string
			lmReply  *int64
			lmFwd    *int64
			lmAt     *time.Time
			lmEdited *time.Time
		)
		s.Conversation, err = scanConversation(rows,
			&s.LastReadMessageID,
			&lmID, &lmSender, &lmBody, &lmReply, &lmFwd, &lmAt, &lmEdited,
			&s.UnreadCount,
		)
		if err != nil {
			return nil, err
		}
		if lmID != nil {
			s.LastMessage = &model.Message{
				ID:                     *lmID,
				ConversationID:         s.ID,
				SenderID:               *lmSender,
				Body:                   *lmBody,
				ReplyToMessageID:       lmReply,
				ForwardedFromMessageID: lmFwd,
				CreatedAt:              *lmAt,
				EditedAt:               lmEdited,
			}
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (t *pgTx) AddParticipants(ctx context.Context, conversationID uuid.UUID, userIDs []uuid.UUID) ([]uuid.UUID, error) {
	query := `
		INSERT INTO participants (conversation_id, user_id, joined_at)
		SELECT $1, u::uuid, NOW()
		FROM unnest($2::text[]) AS u
		ON CONFLICT (conversation_id, user_id) WHERE left_at IS NULL
		DO NOTHING
		RETURNING user_id
	`
	rows, err := t.tx.Query(ctx, query, conversationID, uuidStrings(userIDs))
	if err != nil {
		return nil, err
	}
	added, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}
	return added, nil
}

func (t *pgTx) GetParticipant(ctx context.Context, conversationID, userID uuid.UUID) (model.Participant, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE conversation_id = $1 AND user_id = $2
		ORDER BY (left_at IS NULL) DESC, joined_at DESC, id DESC
		LIMIT 1
	`
	p, err := scanParticipant(t.tx.QueryRow(ctx, query, conversationID, userID))
	return p, notFound(err, "participant", userID)
}

func (t *pgTx) ListParticipants(ctx context.Context, conversationID uuid.UUID, activeOnly bool) ([]model.Participant, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE conversation_id = $1 AND (NOT $2::boolean OR left_at IS NULL)
		ORDER BY joined_at, id
	`
	rows, err := t.tx.Query(ctx, query, conversationID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) MarkLeft(ctx context.Context, conversationID, userID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE participants SET left_at = NOW() WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL`,
		conversationID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("participant", userID)
	}
	return nil
}

func (t *pgTx) AdvanceRead(ctx context.Context, conversationID, userID uuid.UUID, messageID int64) (model.Participant, bool, error) {
	query := `
		UPDATE participants
		SET last_read_message_id = $3, read_at = NOW()
		WHERE conversation_id = $1
		  AND user_id = $2
		  AND left_at IS NULL
		  AND (last_read_message_id IS NULL OR last_read_message_id < $3)
		RETURNING ` + participantColumns
	p, err := scanParticipant(t.tx.QueryRow(ctx, query, conversationID, userID, messageID))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Participant{}, false, err
	}
	p, err = t.GetParticipant(ctx, conversationID, userID)
	return p, false, err
}

func (t *pgTx) InsertMessage(ctx context.Context, m model.NewMessage) (model.Message, error) {
	// GREATEST ignores NULL, so the first message takes the clock as is.
	query := `
		INSERT INTO messages (conversation_id, sender_id, body, reply_to_message_id, forwarded_from_message_id, created_at)
		SELECT $1, $2, $3, $4, $5, GREATEST(clock_timestamp(), c.last_message_at + INTERVAL '1 microsecond')
		FROM conversations c
		WHERE c.id = $1
		RETURNING ` + messageColumns
	msg, err := scanMessage(t.tx.QueryRow(ctx, query,
		m.ConversationID, m.SenderID, m.Body, m.ReplyToMessageID, m.ForwardedFromMessageID))
	if err != nil {
		return model.Message{}, notFound(err, "conversation", m.ConversationID)
	}

	_, err = t.tx.Exec(ctx,
		`UPDATE conversations SET last_message_at = $2, updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
		m.ConversationID, msg.CreatedAt)
	if err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

func (t *pgTx) GetMessage(ctx context.Context, id int64) (model.Message, error) {
	m, err := scanMessage(t.tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	return m, notFound(err, "message", id)
}

func (t *pgTx) UpdateMessageBody(ctx context.Context, id int64, body string) (model.Message, error) {
	query := `
		UPDATE messages SET body = $2, edited_at = clock_timestamp()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + messageColumns
	m, err := scanMessage(t.tx.QueryRow(ctx, query, id, body))
	return m, notFound(err, "message", id)
}

func (t *pgTx) SoftDeleteMessage(ctx context.Context, id int64) (model.Message, error) {
	query := `
		UPDATE messages SET deleted_at = clock_timestamp()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + messageColumns
	m, err := scanMessage(t.tx.QueryRow(ctx, query, id))
	return m, notFound(err, "message", id)
}

func (t *pgTx) ListMessages(ctx context.Context, conversationID uuid.UUID, before *model.MessageCursor, limit int, includeDeleted bool) ([]model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2::timestamptz, $3::bigint))
		  AND ($4::boolean OR deleted_at IS NULL)
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`
	var (
		beforeAt *time.Time
		beforeID *int64
	)
	if before != nil {
		beforeAt, beforeID = &before.CreatedAt, &before.ID
	}
	rows, err := t.tx.Query(ctx, query, conversationID, beforeAt, beforeID, includeDeleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *pgTx) AddReaction(ctx context.Context, r model.Reaction) (model.Reaction, bool, error) {
	query := `
		INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (message_id, user_id, emoji)
		DO UPDATE SET emoji = EXCLUDED.emoji
		RETURNING message_id, user_id, emoji, created_at, (xmax = 0)
	`
	var (
		out     model.Reaction
		created bool
	)
	err := t.tx.QueryRow(ctx, query, r.MessageID, r.UserID, r.Emoji).
		Scan(&out.MessageID, &out.UserID, &out.Emoji, &out.CreatedAt, &created)
	if err != nil {
		return model.Reaction{}, false, err
	}
	return out, created, nil
}

func (t *pgTx) RemoveReaction(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
