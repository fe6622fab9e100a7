package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/bus"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
)

const publishTimeout = 5 * time.Second

// Notifier hands committed events to the bus off the request path. The
// queue is bounded; when it is full the event is dropped and clients
// reconcile through the list calls.
type Notifier struct {
	pub   bus.Publisher
	ids   *snowflake.Node
	queue chan protocol.Envelope
	log   *slog.Logger
	now   func() time.Time
}

func NewNotifier(pub bus.Publisher, ids *snowflake.Node, size int, log *slog.Logger) *Notifier {
	if size <= 0 {
		size = 1024
	}
	return &Notifier{
		pub:   pub,
		ids:   ids,
		queue: make(chan protocol.Envelope, size),
		log:   log,
		now:   time.Now,
	}
}

// Target narrows who receives an event. Zero value means every connection
// joined to the conversation.
type Target struct {
	Recipients []uuid.UUID
	Exclude    *uuid.UUID
}

// Notify never blocks.
func (n *Notifier) Notify(conversationID uuid.UUID, ev protocol.Event, to Target) {
	env, err := protocol.NewEnvelope(n.ids.Generate(), conversationID, ev, n.now())
	if err != nil {
		n.log.Error("failed to build envelope", "type", ev.Type(), "err", err)
		return
	}
	env.Recipients = to.Recipients
	env.Exclude = to.Exclude

	select {
	case n.queue <- env:
	default:
		metrics.NotifierDropped.Inc()
		n.log.Warn("fanout queue full, dropping event",
			"type", env.Type, "conversation_id", conversationID, "event_id", env.ID)
	}
}

// Run publishes queued events until ctx is done, then drains what is left.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case env := <-n.queue:
			n.publish(env)
		case <-ctx.Done():
			for {
				select {
				case env := <-n.queue:
					n.publish(env)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) publish(env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := n.pub.Publish(ctx, env); err != nil {
		metrics.PublishFailures.Inc()
		n.log.Error("failed to publish event",
			"type", env.Type, "conversation_id", env.ConversationID, "event_id", env.ID, "err", err)
		return
	}
	n.log.Debug("event published", "type", env.Type, "conversation_id", env.ConversationID, "event_id", env.ID)
}

// Pending reports how many events are waiting to be published.
func (n *Notifier) Pending() int { return len(n.queue) }

// Typing publishes typing changes to the rest of the room. Its signature
// matches presence.ChangeFunc.
func (n *Notifier) Typing(conversationID, userID uuid.UUID, typing bool) {
	var ev protocol.Event = protocol.TypingStopped{UserID: userID}
	if typing {
		ev = protocol.TypingStarted{UserID: userID}
	}
	n.Notify(conversationID, ev, Target{Exclude: &userID})
}
