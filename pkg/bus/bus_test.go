package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
	"github.com/stretchr/testify/require"
)

func TestMemory_FansOutToEverySubscriber(t *testing.T) {
	req := require.New(t)
	m := NewMemory(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	var a, b atomic.Int32
	go func() { _ = m.Subscribe(ctx, func(context.Context, protocol.Envelope) { a.Add(1) }) }()
	go func() { _ = m.Subscribe(ctx, func(context.Context, protocol.Envelope) { b.Add(1) }) }()
	req.Eventually(func() bool { return m.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	req.NoError(m.Publish(context.Background(), protocol.Envelope{ID: 1, ConversationID: uuid.New()}))
	req.Equal(int32(1), a.Load())
	req.Equal(int32(1), b.Load())

	// Cancelling detaches both handlers.
	cancel()
	req.Eventually(func() bool { return m.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	req.NoError(m.Publish(context.Background(), protocol.Envelope{ID: 2}))
	req.Equal(int32(1), a.Load())
}
