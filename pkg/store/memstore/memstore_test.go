package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/stretchr/testify/require"
)

func seedConversation(t *testing.T, m *Memory, users ...uuid.UUID) model.Conversation {
	t.Helper()
	var conv model.Conversation
	err := m.InTx(context.Background(), "seed", func(tx store.Tx) error {
		c, _, err := tx.InsertConversation(context.Background(), model.Conversation{
			ID: uuid.New(), Type: model.TypeGroup, Title: "g", CreatedBy: users[0],
		}, "")
		if err != nil {
			return err
		}
		conv = c
		_, err = tx.AddParticipants(context.Background(), c.ID, users)
		return err
	})
	require.NoError(t, err)
	return conv
}

func TestInTx_RollsBackEveryWriteOnError(t *testing.T) {
	req := require.New(t)
	m := New()
	a, b := uuid.New(), uuid.New()
	conv := seedConversation(t, m, a, b)
	before := m.Counts()

	boom := errors.New("boom")
	err := m.InTx(context.Background(), "send", func(tx store.Tx) error {
		ctx := context.Background()
		msg, err := tx.InsertMessage(ctx, model.NewMessage{ConversationID: conv.ID, SenderID: a, Body: "x"})
		req.NoError(err)
		_, _, err = tx.AddReaction(ctx, model.Reaction{MessageID: msg.ID, UserID: b, Emoji: "🔥"})
		req.NoError(err)
		req.NoError(tx.MarkLeft(ctx, conv.ID, b))
		return boom
	})
	req.ErrorIs(err, boom)
	req.Equal(before, m.Counts())

	_ = m.View(context.Background(), "check", func(tx store.Tx) error {
		c, err := tx.GetConversation(context.Background(), conv.ID)
		req.NoError(err)
		req.Nil(c.LastMessageAt)
		p, err := tx.GetParticipant(context.Background(), conv.ID, b)
		req.NoError(err)
		req.True(p.Active())
		return nil
	})
}

func TestInsertMessage_StrictlyIncreasingUnderFrozenClock(t *testing.T) {
	req := require.New(t)
	m := New()
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return frozen })
	a := uuid.New()
	conv := seedConversation(t, m, a, uuid.New())

	var msgs []model.Message
	for i := 0; i < 3; i++ {
		err := m.InTx(context.Background(), "send", func(tx store.Tx) error {
			msg, err := tx.InsertMessage(context.Background(), model.NewMessage{ConversationID: conv.ID, SenderID: a, Body: "x"})
			msgs = append(msgs, msg)
			return err
		})
		req.NoError(err)
	}
	req.True(msgs[0].Before(msgs[1]))
	req.True(msgs[1].CreatedAt.After(msgs[0].CreatedAt))
	req.Equal(msgs[0].CreatedAt.Add(2*time.Microsecond), msgs[2].CreatedAt)
}

func TestView_RejectsWrites(t *testing.T) {
	m := New()
	err := m.View(context.Background(), "oops", func(tx store.Tx) error {
		_, _, err := tx.InsertConversation(context.Background(), model.Conversation{ID: uuid.New()}, "")
		return err
	})
	require.Error(t, err)
	require.Equal(t, 0, m.Counts().Conversations)
}

func TestInTx_RetriesTransientFailureOnce(t *testing.T) {
	req := require.New(t)
	m := New()
	serialization := &pgconn.PgError{Code: "40001"}

	calls := 0
	m.FailNext(serialization)
	err := m.InTx(context.Background(), "op", func(store.Tx) error { calls++; return nil })
	req.NoError(err)
	req.Equal(1, calls)

	calls = 0
	m.FailNext(serialization, serialization)
	err = m.InTx(context.Background(), "op", func(store.Tx) error { calls++; return nil })
	req.Equal(apperr.CodeRetryable, apperr.CodeOf(err))
	req.Equal(0, calls)
}

func TestDirectory(t *testing.T) {
	req := require.New(t)
	d := NewDirectory()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	d.Add(a, b)
	d.SetActive(b, false)

	got, err := d.UsersExistAndActive(context.Background(), []uuid.UUID{a, b, c})
	req.NoError(err)
	req.Equal([]uuid.UUID{a}, got)
	req.Equal(1, d.Calls())
}
