package admission

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/testenv"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLocal_RejectsAfterBurstWithRetryAfter(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal(Limits{Default: Limit{PerSecond: 1, Burst: 2}})
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, PolicySendMessage, "u1")
		req.NoError(err)
		req.True(d.Allowed)
	}

	d, err := l.Allow(ctx, PolicySendMessage, "u1")
	req.NoError(err)
	req.False(d.Allowed)
	req.InDelta(time.Second, d.RetryAfter, float64(10*time.Millisecond))

	// Another identifier has its own bucket.
	d, err = l.Allow(ctx, PolicySendMessage, "u2")
	req.NoError(err)
	req.True(d.Allowed)

	// A rejection does not consume a token.
	now = now.Add(time.Second)
	d, err = l.Allow(ctx, PolicySendMessage, "u1")
	req.NoError(err)
	req.True(d.Allowed)
}

func TestLocal_PolicyOverrides(t *testing.T) {
	req := require.New(t)
	limits := DefaultLimits(5, 10)
	req.Equal(Limit{PerSecond: 1, Burst: 5}, limits.For(PolicyCreateConversation))
	req.Equal(Limit{PerSecond: 5, Burst: 10}, limits.For(PolicySendMessage))
}

func TestLocal_Sweep(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	l := NewLocal(DefaultLimits(5, 10))
	l.now = func() time.Time { return now }

	_, _ = l.Allow(context.Background(), PolicySendMessage, "u1")
	req.Equal(0, l.Sweep())

	now = now.Add(11 * time.Minute)
	req.Equal(1, l.Sweep())
}

func TestRedis_Window(t *testing.T) {
	r := NewRedis(nil, DefaultLimits(5, 10))
	require.Equal(t, 2*time.Second, r.window(Limit{PerSecond: 5, Burst: 10}))
	require.Equal(t, time.Second, r.window(Limit{PerSecond: 50, Burst: 10}))
	require.Equal(t, time.Second, r.window(Limit{}))
}

func TestRedis_SharedWindowRejectsOverBurst(t *testing.T) {
	addr := testenv.RedisAddr(t)
	req := require.New(t)
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	limits := Limits{Default: Limit{PerSecond: 1, Burst: 3}}
	// Two instances share the same counters
	a, b := NewRedis(rdb, limits), NewRedis(rdb, limits)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }
	b.now = a.now
	a.prefix = "rl-test-" + uuid.NewString()
	b.prefix = a.prefix

	for i := 0; i < 3; i++ {
		d, err := []*Redis{a, b}[i%2].Allow(ctx, PolicySendMessage, "u1")
		req.NoError(err)
		req.True(d.Allowed, "call %d", i)
	}
	d, err := b.Allow(ctx, PolicySendMessage, "u1")
	req.NoError(err)
	req.False(d.Allowed)
	req.Positive(d.RetryAfter)

	// Other identifiers are unaffected
	d, err = a.Allow(ctx, PolicySendMessage, "u2")
	req.NoError(err)
	req.True(d.Allowed)
}
