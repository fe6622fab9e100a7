// Package store persists conversations, participants, messages and
// reactions. The chat service talks to it only through Store and Tx, so the
// Postgres implementation here and the in-memory one in memstore are
// interchangeable.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

// Store runs fn in a transaction. InTx commits when fn returns nil and rolls
// back otherwise; View is read-only. A transient failure is retried once,
// then surfaced as apperr.RetryableStoreError.
type Store interface {
	InTx(ctx context.Context, op string, fn func(Tx) error) error
	View(ctx context.Context, op string, fn func(Tx) error) error
}

// Tx is the set of primitives the chat service composes inside one
// transaction. Lookups of missing rows return apperr.NotFoundError.
type Tx interface {
	// InsertConversation stores c. For DIRECT conversations directKey makes
	// the insert idempotent: the existing row is returned with created=false.
	InsertConversation(ctx context.Context, c model.Conversation, directKey string) (conv model.Conversation, created bool, err error)
	GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error)
	// LockConversation reads the row FOR UPDATE. Every write that depends on
	// conversation order takes this lock first.
	LockConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error)
	UpdateTitle(ctx context.Context, id uuid.UUID, title string) (model.Conversation, error)
	ListConversations(ctx context.Context, userID uuid.UUID, after *model.ConversationCursor, limit int) ([]model.ConversationSummary, error)

	// AddParticipants adds users without an active row and returns the ids
	// actually added.
	AddParticipants(ctx context.Context, conversationID uuid.UUID, userIDs []uuid.UUID) ([]uuid.UUID, error)
	// GetParticipant returns the active row if there is one, else the most
	// recent historical row.
	GetParticipant(ctx context.Context, conversationID, userID uuid.UUID) (model.Participant, error)
	ListParticipants(ctx context.Context, conversationID uuid.UUID, activeOnly bool) ([]model.Participant, error)
	MarkLeft(ctx context.Context, conversationID, userID uuid.UUID) error
	// AdvanceRead moves the read position forward only. advanced is false
	// when messageID is not beyond the current position.
	AdvanceRead(ctx context.Context, conversationID, userID uuid.UUID, messageID int64) (p model.Participant, advanced bool, err error)

	// InsertMessage assigns id and createdAt. The caller must hold the
	// conversation lock.
	InsertMessage(ctx context.Context, m model.NewMessage) (model.Message, error)
	GetMessage(ctx context.Context, id int64) (model.Message, error)
	UpdateMessageBody(ctx context.Context, id int64, body string) (model.Message, error)
	SoftDeleteMessage(ctx context.Context, id int64) (model.Message, error)
	// ListMessages returns up to limit messages strictly before the cursor,
	// newest first.
	ListMessages(ctx context.Context, conversationID uuid.UUID, before *model.MessageCursor, limit int, includeDeleted bool) ([]model.Message, error)

	// AddReaction upserts; created is false when the triple already existed.
	AddReaction(ctx context.Context, r model.Reaction) (reaction model.Reaction, created bool, err error)
	RemoveReaction(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) (removed bool, err error)
}

// PoolStats is a snapshot of connection pool usage.
type PoolStats struct {
	Acquired      int32 `json:"acquired"`
	Idle          int32 `json:"idle"`
	Total         int32 `json:"total"`
	Max           int32 `json:"max"`
	AcquireCount  int64 `json:"acquireCount"`
	EmptyAcquires int64 `json:"emptyAcquireCount"`
}

// Transient reports whether err is worth one more attempt: serialization
// and deadlock aborts, connection-class failures, and errors pgconn marks
// safe to retry.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// RetryOnce runs attempt, and runs it a second time only if the first
// failure was transient and ctx still has time left. A transient failure
// on the last attempt, or a deadline, becomes RetryableStoreError.
func RetryOnce(ctx context.Context, op string, attempt func(ctx context.Context) error) error {
	start := time.Now()
	defer func() { metrics.StoreTxDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	err := attempt(ctx)
	if err == nil || !Transient(err) || ctx.Err() != nil {
		return surface(ctx, op, err)
	}
	metrics.StoreRetries.WithLabelValues(op).Inc()
	return surface(ctx, op, attempt(ctx))
}

func surface(ctx context.Context, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case Transient(err), errors.Is(err, context.DeadlineExceeded):
		return apperr.Retryable(op, err)
	}
	return err
}
