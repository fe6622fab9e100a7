//go:generate go run go.uber.org/mock/mockgen -source=bus.go -destination=../../mocks/mock_bus.go -package=mocks

// Package bus carries committed events from the service to every gateway
// instance and to the archiver.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mahaj/dupahar-chat/pkg/protocol"
)

type Publisher interface {
	Publish(ctx context.Context, env protocol.Envelope) error
}

// Handler processes one envelope. It must not block for long.
type Handler func(ctx context.Context, env protocol.Envelope)

type Subscriber interface {
	// Subscribe delivers envelopes to h until ctx is done.
	Subscribe(ctx context.Context, h Handler) error
}

// Memory is an in-process bus for single-instance deployments and tests.
// Publish invokes every subscribed handler before returning.
type Memory struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	log      *slog.Logger
}

func NewMemory(log *slog.Logger) *Memory {
	return &Memory{handlers: make(map[int]Handler), log: log}
}

func (m *Memory) Publish(ctx context.Context, env protocol.Envelope) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.handlers {
		h(ctx, env)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, h Handler) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	m.mu.Unlock()
	m.log.Debug("memory bus subscriber added", "id", id)

	<-ctx.Done()

	m.mu.Lock()
	delete(m.handlers, id)
	m.mu.Unlock()
	return nil
}

// Subscribers reports how many handlers are attached.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers)
}
