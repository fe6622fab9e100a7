package archive_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/mocks"
	"github.com/mahaj/dupahar-chat/pkg/archive"
	"github.com/mahaj/dupahar-chat/pkg/bus"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
	"github.com/mahaj/dupahar-chat/pkg/testenv"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func envelope(t *testing.T, id int64, conv uuid.UUID, ev protocol.Event) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(id, conv, ev, time.Now())
	require.NoError(t, err)
	return env
}

func TestArchiver_SkipsTypingAndWritesTheRest(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	w := mocks.NewMockWriter(ctrl)
	a := archive.NewArchiver(w, time.Second, logging.Discard())
	conv := uuid.New()

	msg := envelope(t, 1, conv, protocol.MessageCreated{Message: protocol.MessageToWire(model.Message{ID: 7, ConversationID: conv, Body: "hi"})})
	typing := envelope(t, 2, conv, protocol.TypingStarted{UserID: uuid.New()})
	stopped := envelope(t, 3, conv, protocol.TypingStopped{UserID: uuid.New()})

	// Then only the message reaches the writer
	w.EXPECT().Append(gomock.Any(), msg).Return(nil).Times(1)

	written := testutil.ToFloat64(metrics.ArchivedEvents.WithLabelValues("written"))
	skipped := testutil.ToFloat64(metrics.ArchivedEvents.WithLabelValues("skipped"))

	// When all three are handled
	for _, env := range []protocol.Envelope{msg, typing, stopped} {
		a.Handle(context.Background(), env)
	}

	req.Equal(written+1, testutil.ToFloat64(metrics.ArchivedEvents.WithLabelValues("written")))
	req.Equal(skipped+2, testutil.ToFloat64(metrics.ArchivedEvents.WithLabelValues("skipped")))
}

func TestArchiver_WriteFailureDoesNotStopConsumption(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	w := mocks.NewMockWriter(ctrl)
	log := logging.Discard()
	a := archive.NewArchiver(w, time.Second, log)
	conv := uuid.New()

	first := envelope(t, 10, conv, protocol.MessageDeleted{})
	second := envelope(t, 11, conv, protocol.ReadReceipt{})
	gomock.InOrder(
		w.EXPECT().Append(gomock.Any(), first).Return(errors.New("node down")),
		w.EXPECT().Append(gomock.Any(), second).Return(nil),
	)

	b := bus.NewMemory(log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, b) }()
	req.Eventually(func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	failed := testutil.ToFloat64(metrics.ArchivedEvents.WithLabelValues("failed"))
	req.NoError(b.Publish(context.Background(), first))
	req.NoError(b.Publish(context.Background(), second))
	req.Equal(failed+1, testutil.ToFloat64(metrics.ArchivedEvents.WithLabelValues("failed")))

	cancel()
	req.NoError(<-done)
}

func TestScylla_AppendIsIdempotentPerEvent(t *testing.T) {
	hosts, keyspace := testenv.Scylla(t)
	req := require.New(t)
	log := logging.Discard()

	req.NoError(archive.EnsureSchema(hosts, keyspace, log))
	session, err := archive.Connect(hosts, keyspace, log)
	req.NoError(err)
	t.Cleanup(session.Close)
	s := archive.NewScylla(session)

	ctx := context.Background()
	conv := uuid.New()
	env := envelope(t, 42, conv, protocol.MessageCreated{Message: protocol.MessageToWire(model.Message{ID: 42, ConversationID: conv, Body: "kept"})})

	// When the same event is delivered twice
	req.NoError(s.Append(ctx, env))
	req.NoError(s.Append(ctx, env))

	// Then one row exists
	got, err := s.Recent(ctx, conv, 10)
	req.NoError(err)
	req.Len(got, 1)
	req.Equal(env.ID, got[0].ID)
	req.Equal(protocol.EventMessageCreated, got[0].Type)
	req.JSONEq(string(env.Data), string(got[0].Data))
}
