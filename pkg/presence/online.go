// Package presence tracks which users are connected and who is typing.
package presence

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// Online counts live connections per user. A user is online while the
// count is positive, across every gateway sharing the backend.
type Online interface {
	// Connect reports whether this was the user's first connection.
	Connect(ctx context.Context, userID uuid.UUID) (bool, error)
	// Disconnect reports whether this was the user's last connection.
	Disconnect(ctx context.Context, userID uuid.UUID) (bool, error)
	// Filter returns the subset of ids that are online, in input order.
	Filter(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
}

type Memory struct {
	mu    sync.Mutex
	conns map[uuid.UUID]int
}

func NewMemory() *Memory {
	return &Memory{conns: make(map[uuid.UUID]int)}
}

func (m *Memory) Connect(_ context.Context, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[userID]++
	return m.conns[userID] == 1, nil
}

func (m *Memory) Disconnect(_ context.Context, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.conns[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(m.conns, userID)
		return true, nil
	}
	m.conns[userID] = n - 1
	return false, nil
}

func (m *Memory) Filter(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Filter(ids, func(id uuid.UUID, _ int) bool { return m.conns[id] > 0 }), nil
}

const onlineSetKey = "presence:online"

func connKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:user:%s:conns", userID)
}

// Redis keeps a connection counter per user and a set of online users.
type Redis struct {
	rdb redis.Cmdable
}

func NewRedis(rdb redis.Cmdable) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Connect(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := r.rdb.Incr(ctx, connKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("incr connections: %w", err)
	}
	if n != 1 {
		return false, nil
	}
	if err := r.rdb.SAdd(ctx, onlineSetKey, userID.String()).Err(); err != nil {
		return true, fmt.Errorf("mark online: %w", err)
	}
	return true, nil
}

func (r *Redis) Disconnect(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := r.rdb.Decr(ctx, connKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("decr connections: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, connKey(userID))
		pipe.SRem(ctx, onlineSetKey, userID.String())
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("mark offline: %w", err)
	}
	return true, nil
}

func (r *Redis) Filter(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return []uuid.UUID{}, nil
	}
	members := lo.Map(ids, func(id uuid.UUID, _ int) any { return id.String() })
	hits, err := r.rdb.SMIsMember(ctx, onlineSetKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("check online: %w", err)
	}
	return lo.Filter(ids, func(_ uuid.UUID, i int) bool { return i < len(hits) && hits[i] }), nil
}

var (
	_ Online = (*Memory)(nil)
	_ Online = (*Redis)(nil)
)
