//go:generate go run go.uber.org/mock/mockgen -source=archive.go -destination=../../mocks/mock_archive.go -package=mocks

// Package archive keeps an append-only copy of durable conversation events
// for moderation.
package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/bus"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
)

// Writer stores one event. Appending the same event id twice must be
// harmless since the bus redelivers after a crash.
type Writer interface {
	Append(ctx context.Context, env protocol.Envelope) error
}

type Archiver struct {
	w            Writer
	writeTimeout time.Duration
	log          *slog.Logger
}

func NewArchiver(w Writer, writeTimeout time.Duration, log *slog.Logger) *Archiver {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Archiver{w: w, writeTimeout: writeTimeout, log: log}
}

// Handle appends env unless it is a typing indicator. Write failures are
// logged and counted; the consumer keeps going.
func (a *Archiver) Handle(ctx context.Context, env protocol.Envelope) {
	if env.Type.Ephemeral() {
		metrics.ArchivedEvents.WithLabelValues("skipped").Inc()
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.writeTimeout)
	defer cancel()
	if err := a.w.Append(ctx, env); err != nil {
		metrics.ArchivedEvents.WithLabelValues("failed").Inc()
		a.log.Error("failed to archive event",
			"event_id", env.ID,
			"type", env.Type,
			"conversation_id", env.ConversationID,
			"err", err)
		return
	}
	metrics.ArchivedEvents.WithLabelValues("written").Inc()
	a.log.Debug("event archived", "event_id", env.ID, "type", env.Type)
}

// Run consumes sub until ctx is done.
func (a *Archiver) Run(ctx context.Context, sub bus.Subscriber) error {
	a.log.Info("archiver started")
	defer a.log.Info("archiver stopped")
	return sub.Subscribe(ctx, a.Handle)
}
