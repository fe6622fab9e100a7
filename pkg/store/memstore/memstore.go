// Package memstore is an in-memory store.Store. One store-wide lock
// serialises transactions, and a per-transaction undo log makes every
// InTx all-or-nothing.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

type reactionKey struct {
	messageID int64
	userID    uuid.UUID
	emoji     string
}

type Memory struct {
	mu sync.RWMutex
	// guarded by mu
	conversations map[uuid.UUID]model.Conversation
	directKeys    map[string]uuid.UUID
	participants  []model.Participant
	messages      map[int64]model.Message
	byConv        map[uuid.UUID][]int64
	reactions     map[reactionKey]model.Reaction
	lastID        int64

	failMu   sync.Mutex
	failures []error

	now func() time.Time
}

func New() *Memory {
	return &Memory{
		conversations: make(map[uuid.UUID]model.Conversation),
		directKeys:    make(map[string]uuid.UUID),
		messages:      make(map[int64]model.Message),
		byConv:        make(map[uuid.UUID][]int64),
		reactions:     make(map[reactionKey]model.Reaction),
		now:           time.Now,
	}
}

// SetClock replaces the time source. Timestamps are truncated to
// microseconds like Postgres.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

// FailNext makes the next len(errs) transaction attempts fail with errs, in
// order, before fn runs.
func (m *Memory) FailNext(errs ...error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failures = append(m.failures, errs...)
}

func (m *Memory) injected() error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *Memory) InTx(ctx context.Context, op string, fn func(store.Tx) error) error {
	return store.RetryOnce(ctx, op, func(ctx context.Context) error {
		if err := m.injected(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()

		tx := &memTx{m: m}
		if err := fn(tx); err != nil {
			tx.rollback()
			return err
		}
		return nil
	})
}

func (m *Memory) View(ctx context.Context, op string, fn func(store.Tx) error) error {
	return store.RetryOnce(ctx, op, func(ctx context.Context) error {
		if err := m.injected(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.RLock()
		defer m.mu.RUnlock()
		return fn(&memTx{m: m, readOnly: true})
	})
}

// Counts reports row totals, for tests asserting that a failed call wrote
// nothing.
type Counts struct {
	Conversations int
	Participants  int
	Messages      int
	Reactions     int
}

func (m *Memory) Counts() Counts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Counts{
		Conversations: len(m.conversations),
		Participants:  len(m.participants),
		Messages:      len(m.messages),
		Reactions:     len(m.reactions),
	}
}

type memTx struct {
	m        *Memory
	readOnly bool
	undo     []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) write() error {
	if t.readOnly {
		return apperr.Invalid("write in read-only transaction")
	}
	return nil
}

func (t *memTx) clock() time.Time {
	return t.m.now().UTC().Truncate(time.Microsecond)
}

func (t *memTx) putConversation(c model.Conversation) {
	prev, existed := t.m.conversations[c.ID]
	t.m.conversations[c.ID] = c
	t.undo = append(t.undo, func() {
		if existed {
			t.m.conversations[c.ID] = prev
		} else {
			delete(t.m.conversations, c.ID)
		}
	})
}

func (t *memTx) InsertConversation(_ context.Context, c model.Conversation, directKey string) (model.Conversation, bool, error) {
	if err := t.write(); err != nil {
		return model.Conversation{}, false, err
	}
	if directKey != "" {
		if id, ok := t.m.directKeys[directKey]; ok {
			return t.m.conversations[id], false, nil
		}
		t.m.directKeys[directKey] = c.ID
		t.undo = append(t.undo, func() { delete(t.m.directKeys, directKey) })
	}
	now := t.clock()
	c.CreatedAt, c.UpdatedAt = now, now
	t.putConversation(c)
	return c, true, nil
}

func (t *memTx) GetConversation(_ context.Context, id uuid.UUID) (model.Conversation, error) {
	c, ok := t.m.conversations[id]
	if !ok {
		return model.Conversation{}, apperr.NotFound("conversation", id)
	}
	return c, nil
}

// LockConversation is a plain read: the store-wide lock is already held.
func (t *memTx) LockConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error) {
	return t.GetConversation(ctx, id)
}

func (t *memTx) UpdateTitle(ctx context.Context, id uuid.UUID, title string) (model.Conversation, error) {
	if err := t.write(); err != nil {
		return model.Conversation{}, err
	}
	c, err := t.GetConversation(ctx, id)
	if err != nil {
		return model.Conversation{}, err
	}
	c.Title = title
	if now := t.clock(); now.After(c.UpdatedAt) {
		c.UpdatedAt = now
	}
	t.putConversation(c)
	return c, nil
}

func (t *memTx) ListConversations(_ context.Context, userID uuid.UUID, after *model.ConversationCursor, limit int) ([]model.ConversationSummary, error) {
	var out []model.ConversationSummary
	for _, p := range t.m.participants {
		if p.UserID != userID || !p.Active() {
			continue
		}
		c := t.m.conversations[p.ConversationID]
		if after != nil && !conversationBefore(c, after) {
			continue
		}
		s := model.ConversationSummary{Conversation: c, LastReadMessageID: p.LastReadMessageID}
		var lastRead int64
		if p.LastReadMessageID != nil {
			lastRead = *p.LastReadMessageID
		}
		ids := t.m.byConv[c.ID]
		for i := len(ids) - 1; i >= 0; i-- {
			msg := t.m.messages[ids[i]]
			if msg.Deleted() {
				continue
			}
			if s.LastMessage == nil {
				last := msg
				s.LastMessage = &last
			}
			if msg.SenderID != userID && msg.ID > lastRead {
				s.UnreadCount++
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID.String() > b.ID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []model.ConversationSummary{}
	}
	return out, nil
}

// conversationBefore reports whether c sorts after the cursor in
// (updatedAt desc, id desc) order.
func conversationBefore(c model.Conversation, cur *model.ConversationCursor) bool {
	if !c.UpdatedAt.Equal(cur.UpdatedAt) {
		return c.UpdatedAt.Before(cur.UpdatedAt)
	}
	return c.ID.String() < cur.ID
}

func (t *memTx) activeIndex(conversationID, userID uuid.UUID) int {
	for i, p := range t.m.participants {
		if p.ConversationID == conversationID && p.UserID == userID && p.Active() {
			return i
		}
	}
	return -1
}

func (t *memTx) AddParticipants(_ context.Context, conversationID uuid.UUID, userIDs []uuid.UUID) ([]uuid.UUID, error) {
	if err := t.write(); err != nil {
		return nil, err
	}
	if _, ok := t.m.conversations[conversationID]; !ok {
		return nil, apperr.NotFound("conversation", conversationID)
	}
	now := t.clock()
	var added []uuid.UUID
	for _, u := range userIDs {
		if t.activeIndex(conversationID, u) >= 0 {
			continue
		}
		t.m.participants = append(t.m.participants, model.Participant{
			ConversationID: conversationID,
			UserID:         u,
			JoinedAt:       now,
		})
		n := len(t.m.participants) - 1
		t.undo = append(t.undo, func() { t.m.participants = t.m.participants[:n] })
		added = append(added, u)
	}
	return added, nil
}

func (t *memTx) GetParticipant(_ context.Context, conversationID, userID uuid.UUID) (model.Participant, error) {
	if i := t.activeIndex(conversationID, userID); i >= 0 {
		return t.m.participants[i], nil
	}
	for i := len(t.m.participants) - 1; i >= 0; i-- {
		p := t.m.participants[i]
		if p.ConversationID == conversationID && p.UserID == userID {
			return p, nil
		}
	}
	return model.Participant{}, apperr.NotFound("participant", userID)
}

func (t *memTx) ListParticipants(_ context.Context, conversationID uuid.UUID, activeOnly bool) ([]model.Participant, error) {
	out := make([]model.Participant, 0)
	for _, p := range t.m.participants {
		if p.ConversationID == conversationID && (!activeOnly || p.Active()) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) setParticipant(i int, p model.Participant) {
	prev := t.m.participants[i]
	t.m.participants[i] = p
	t.undo = append(t.undo, func() { t.m.participants[i] = prev })
}

func (t *memTx) MarkLeft(_ context.Context, conversationID, userID uuid.UUID) error {
	if err := t.write(); err != nil {
		return err
	}
	i := t.activeIndex(conversationID, userID)
	if i < 0 {
		return apperr.NotFound("participant", userID)
	}
	p := t.m.participants[i]
	now := t.clock()
	p.LeftAt = &now
	t.setParticipant(i, p)
	return nil
}

func (t *memTx) AdvanceRead(ctx context.Context, conversationID, userID uuid.UUID, messageID int64) (model.Participant, bool, error) {
	if err := t.write(); err != nil {
		return model.Participant{}, false, err
	}
	i := t.activeIndex(conversationID, userID)
	if i < 0 {
		p, err := t.GetParticipant(ctx, conversationID, userID)
		return p, false, err
	}
	p := t.m.participants[i]
	if p.LastReadMessageID != nil && *p.LastReadMessageID >= messageID {
		return p, false, nil
	}
	now := t.clock()
	id := messageID
	p.LastReadMessageID, p.ReadAt = &id, &now
	t.setParticipant(i, p)
	return p, true, nil
}

func (t *memTx) putMessage(msg model.Message) {
	prev, existed := t.m.messages[msg.ID]
	t.m.messages[msg.ID] = msg
	t.undo = append(t.undo, func() {
		if existed {
			t.m.messages[msg.ID] = prev
		} else {
			delete(t.m.messages, msg.ID)
		}
	})
}

func (t *memTx) InsertMessage(ctx context.Context, nm model.NewMessage) (model.Message, error) {
	if err := t.write(); err != nil {
		return model.Message{}, err
	}
	c, err := t.GetConversation(ctx, nm.ConversationID)
	if err != nil {
		return model.Message{}, err
	}
	at := t.clock()
	if c.LastMessageAt != nil && !at.After(*c.LastMessageAt) {
		at = c.LastMessageAt.Add(time.Microsecond)
	}

	t.m.lastID++
	msg := model.Message{
		ID:                     t.m.lastID,
		ConversationID:         nm.ConversationID,
		SenderID:               nm.SenderID,
		Body:                   nm.Body,
		ReplyToMessageID:       nm.ReplyToMessageID,
		ForwardedFromMessageID: nm.ForwardedFromMessageID,
		CreatedAt:              at,
	}
	t.putMessage(msg)

	ids := t.m.byConv[c.ID]
	t.m.byConv[c.ID] = append(ids, msg.ID)
	t.undo = append(t.undo, func() { t.m.byConv[c.ID] = ids })

	c.LastMessageAt = &at
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	t.putConversation(c)
	return msg, nil
}

func (t *memTx) GetMessage(_ context.Context, id int64) (model.Message, error) {
	msg, ok := t.m.messages[id]
	if !ok {
		return model.Message{}, apperr.NotFound("message", id)
	}
	return msg, nil
}

func (t *memTx) UpdateMessageBody(ctx context.Context, id int64, body string) (model.Message, error) {
	if err := t.write(); err != nil {
		return model.Message{}, err
	}
	msg, err := t.GetMessage(ctx, id)
	if err != nil || msg.Deleted() {
		return model.Message{}, apperr.NotFound("message", id)
	}
	now := t.clock()
	msg.Body, msg.EditedAt = body, &now
	t.putMessage(msg)
	return msg, nil
}

func (t *memTx) SoftDeleteMessage(ctx context.Context, id int64) (model.Message, error) {
	if err := t.write(); err != nil {
		return model.Message{}, err
	}
	msg, err := t.GetMessage(ctx, id)
	if err != nil || msg.Deleted() {
		return model.Message{}, apperr.NotFound("message", id)
	}
	now := t.clock()
	msg.DeletedAt = &now
	t.putMessage(msg)
	return msg, nil
}

func (t *memTx) ListMessages(_ context.Context, conversationID uuid.UUID, before *model.MessageCursor, limit int, includeDeleted bool) ([]model.Message, error) {
	out := make([]model.Message, 0, limit)
	ids := t.m.byConv[conversationID]
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		msg := t.m.messages[ids[i]]
		if before != nil && !msg.Before(model.Message{CreatedAt: before.CreatedAt, ID: before.ID}) {
			continue
		}
		if msg.Deleted() && !includeDeleted {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (t *memTx) AddReaction(_ context.Context, r model.Reaction) (model.Reaction, bool, error) {
	if err := t.write(); err != nil {
		return model.Reaction{}, false, err
	}
	if _, ok := t.m.messages[r.MessageID]; !ok {
		return model.Reaction{}, false, apperr.NotFound("message", r.MessageID)
	}
	k := reactionKey{messageID: r.MessageID, userID: r.UserID, emoji: r.Emoji}
	if existing, ok := t.m.reactions[k]; ok {
		return existing, false, nil
	}
	r.CreatedAt = t.clock()
	t.m.reactions[k] = r
	t.undo = append(t.undo, func() { delete(t.m.reactions, k) })
	return r, true, nil
}

func (t *memTx) RemoveReaction(_ context.Context, messageID int64, userID uuid.UUID, emoji string) (bool, error) {
	if err := t.write(); err != nil {
		return false, err
	}
	k := reactionKey{messageID: messageID, userID: userID, emoji: emoji}
	prev, ok := t.m.reactions[k]
	if !ok {
		return false, nil
	}
	delete(t.m.reactions, k)
	t.undo = append(t.undo, func() { t.m.reactions[k] = prev })
	return true, nil
}

var _ store.Store = (*Memory)(nil)
