package presence

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const DefaultTypingTTL = 5 * time.Second

type typingKey struct {
	conversationID uuid.UUID
	userID         uuid.UUID
}

type typingEntry struct {
	timer *time.Timer
}

// ChangeFunc is called when a user starts or stops typing. It runs outside
// the tracker lock.
type ChangeFunc func(conversationID, userID uuid.UUID, typing bool)

// Tracker holds who is typing where. Every entry expires after the TTL
// unless refreshed, so a lost typing.stop never leaves an indicator stuck.
type Tracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	timers   map[typingKey]*typingEntry
	onChange ChangeFunc
}

func NewTracker(ttl time.Duration, onChange ChangeFunc) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if onChange == nil {
		onChange = func(uuid.UUID, uuid.UUID, bool) {}
	}
	return &Tracker{
		ttl:      ttl,
		timers:   make(map[typingKey]*typingEntry),
		onChange: onChange,
	}
}

// Start marks userID as typing, or extends an existing indicator. Only the
// first call announces the change.
func (t *Tracker) Start(conversationID, userID uuid.UUID) bool {
	k := typingKey{conversationID, userID}
	t.mu.Lock()
	old, refreshed := t.timers[k]
	if refreshed {
		// The old timer may already be firing; a fresh entry makes its
		// expire a no-op.
		old.timer.Stop()
	}
	e := &typingEntry{}
	e.timer = time.AfterFunc(t.ttl, func() { t.expire(k, e) })
	t.timers[k] = e
	t.mu.Unlock()

	if refreshed {
		return false
	}
	t.onChange(conversationID, userID, true)
	return true
}

// Stop clears the indicator. It reports false if the user was not typing.
func (t *Tracker) Stop(conversationID, userID uuid.UUID) bool {
	k := typingKey{conversationID, userID}
	t.mu.Lock()
	e, ok := t.timers[k]
	if ok {
		e.timer.Stop()
		delete(t.timers, k)
	}
	t.mu.Unlock()

	if ok {
		t.onChange(conversationID, userID, false)
	}
	return ok
}

func (t *Tracker) expire(k typingKey, e *typingEntry) {
	t.mu.Lock()
	// Stop, or a refresh by Start, replaced or removed this entry.
	if t.timers[k] != e {
		t.mu.Unlock()
		return
	}
	delete(t.timers, k)
	t.mu.Unlock()
	t.onChange(k.conversationID, k.userID, false)
}

// ClearUser stops every indicator of userID, e.g. when their last
// connection goes away.
func (t *Tracker) ClearUser(userID uuid.UUID) int {
	t.mu.Lock()
	var cleared []typingKey
	for k, e := range t.timers {
		if k.userID == userID {
			e.timer.Stop()
			delete(t.timers, k)
			cleared = append(cleared, k)
		}
	}
	t.mu.Unlock()

	for _, k := range cleared {
		t.onChange(k.conversationID, k.userID, false)
	}
	return len(cleared)
}

// Typing lists who is typing in a conversation.
func (t *Tracker) Typing(conversationID uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := lo.Filter(lo.Keys(t.timers), func(k typingKey, _ int) bool { return k.conversationID == conversationID })
	return lo.Map(keys, func(k typingKey, _ int) uuid.UUID { return k.userID })
}

// Close stops all timers without announcing anything.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.timers {
		e.timer.Stop()
		delete(t.timers, k)
	}
}
