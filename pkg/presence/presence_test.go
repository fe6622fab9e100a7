package presence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/testenv"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type change struct {
	conv, user uuid.UUID
	typing     bool
}

type recorder struct {
	mu      sync.Mutex
	changes []change
}

func (r *recorder) record(conv, user uuid.UUID, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change{conv, user, typing})
}

func (r *recorder) all() []change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]change(nil), r.changes...)
}

func TestTracker_StartAnnouncesOnceAndStopClears(t *testing.T) {
	req := require.New(t)
	rec := &recorder{}
	tr := presence.NewTracker(time.Minute, rec.record)
	defer tr.Close()
	conv, user := uuid.New(), uuid.New()

	req.True(tr.Start(conv, user))
	req.False(tr.Start(conv, user))
	req.Equal([]uuid.UUID{user}, tr.Typing(conv))

	req.True(tr.Stop(conv, user))
	req.False(tr.Stop(conv, user))
	req.Empty(tr.Typing(conv))
	req.Equal([]change{{conv, user, true}, {conv, user, false}}, rec.all())
}

func TestTracker_ExpiresWithoutStop(t *testing.T) {
	req := require.New(t)
	rec := &recorder{}
	tr := presence.NewTracker(30*time.Millisecond, rec.record)
	defer tr.Close()
	conv, user := uuid.New(), uuid.New()

	// Given a user who starts typing and then goes silent
	tr.Start(conv, user)

	// Then the indicator clears on its own
	req.Eventually(func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)
	req.Equal(change{conv, user, false}, rec.all()[1])
	req.Empty(tr.Typing(conv))
}

func TestTracker_RefreshExtendsTTL(t *testing.T) {
	req := require.New(t)
	rec := &recorder{}
	tr := presence.NewTracker(80*time.Millisecond, rec.record)
	defer tr.Close()
	conv, user := uuid.New(), uuid.New()

	tr.Start(conv, user)
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		tr.Start(conv, user)
	}
	req.Len(rec.all(), 1)
	req.Eventually(func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestTracker_ClearUser(t *testing.T) {
	req := require.New(t)
	rec := &recorder{}
	tr := presence.NewTracker(time.Minute, rec.record)
	defer tr.Close()
	a, b := uuid.New(), uuid.New()
	user, other := uuid.New(), uuid.New()
	tr.Start(a, user)
	tr.Start(b, user)
	tr.Start(a, other)

	req.Equal(2, tr.ClearUser(user))
	req.Equal([]uuid.UUID{other}, tr.Typing(a))
	req.Empty(tr.Typing(b))
	req.Len(rec.all(), 5)
}

func TestMemoryOnline(t *testing.T) {
	testOnline(t, presence.NewMemory())
}

func TestRedisOnline(t *testing.T) {
	addr := testenv.RedisAddr(t)
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	testOnline(t, presence.NewRedis(rdb))
}

func testOnline(t *testing.T, o presence.Online) {
	req := require.New(t)
	ctx := context.Background()
	user, idle := uuid.New(), uuid.New()

	// Given a user with two connections
	first, err := o.Connect(ctx, user)
	req.NoError(err)
	req.True(first)
	first, err = o.Connect(ctx, user)
	req.NoError(err)
	req.False(first)

	online, err := o.Filter(ctx, []uuid.UUID{idle, user})
	req.NoError(err)
	req.Equal([]uuid.UUID{user}, online)

	// When both close, the user goes offline on the last one only
	last, err := o.Disconnect(ctx, user)
	req.NoError(err)
	req.False(last)
	last, err = o.Disconnect(ctx, user)
	req.NoError(err)
	req.True(last)

	online, err = o.Filter(ctx, []uuid.UUID{idle, user})
	req.NoError(err)
	req.Empty(online)
}
