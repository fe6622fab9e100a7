package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterKey struct {
	policy Policy
	id     string
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Local is a per-process token bucket per (policy, identifier).
type Local struct {
	mu      sync.Mutex
	m       map[limiterKey]*entry
	limits  Limits
	now     func() time.Time
	idleTTL time.Duration
}

func NewLocal(limits Limits) *Local {
	return &Local{
		m:       make(map[limiterKey]*entry),
		limits:  limits,
		now:     time.Now,
		idleTTL: 10 * time.Minute,
	}
}

func (l *Local) get(k limiterKey, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.m[k]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := l.limits.For(k.policy)
	e := &entry{lim: rate.NewLimiter(rate.Limit(lim.PerSecond), lim.Burst), lastSeen: now}
	l.m[k] = e
	return e.lim
}

func (l *Local) Allow(_ context.Context, policy Policy, identifier string) (Decision, error) {
	now := l.now()
	lim := l.get(limiterKey{policy: policy, id: identifier}, now)
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, RetryAfter: time.Second}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

// Sweep drops buckets idle for longer than the idle TTL and returns how many
// were removed.
func (l *Local) Sweep() int {
	cutoff := l.now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.m {
		if e.lastSeen.Before(cutoff) {
			delete(l.m, k)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *Local) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
