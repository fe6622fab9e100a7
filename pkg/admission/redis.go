package admission

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window counter shared by every instance. The window is
// one second wide scaled by the burst, so a limit of 5/s burst 10 admits 10
// calls per two-second window.
type Redis struct {
	rdb    redis.Cmdable
	limits Limits
	prefix string
	now    func() time.Time
}

func NewRedis(rdb redis.Cmdable, limits Limits) *Redis {
	return &Redis{rdb: rdb, limits: limits, prefix: "rl", now: time.Now}
}

func (r *Redis) window(l Limit) time.Duration {
	if l.PerSecond <= 0 {
		return time.Second
	}
	secs := math.Max(1, float64(l.Burst)/l.PerSecond)
	return time.Duration(secs * float64(time.Second))
}

func (r *Redis) Allow(ctx context.Context, policy Policy, identifier string) (Decision, error) {
	l := r.limits.For(policy)
	win := r.window(l)
	now := r.now()
	slot := now.UnixNano() / int64(win)
	key := fmt.Sprintf("%s:%s:%s:%d", r.prefix, policy, identifier, slot)

	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, win+time.Second)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("admission redis: %w", err)
	}
	if incr.Val() <= int64(l.Burst) {
		return Decision{Allowed: true}, nil
	}
	windowEnd := time.Unix(0, (slot+1)*int64(win))
	return Decision{Allowed: false, RetryAfter: windowEnd.Sub(now)}, nil
}
