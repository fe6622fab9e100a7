package bus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
	"github.com/mahaj/dupahar-chat/pkg/testenv"
	"github.com/stretchr/testify/require"
)

func TestKafka_PublishedEnvelopeReachesANewGroup(t *testing.T) {
	brokers, topic := testenv.Kafka(t)
	req := require.New(t)
	log := logging.Discard()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pub := NewKafkaPublisher(brokers, topic)
	defer pub.Close()

	conv := uuid.New()
	env, err := protocol.NewEnvelope(time.Now().UnixNano(), conv, protocol.TypingStarted{UserID: uuid.New()}, time.Now())
	req.NoError(err)
	env.Recipients = []uuid.UUID{uuid.New()}
	req.NoError(pub.Publish(ctx, env))

	// A fresh group with no committed offset starts from the beginning
	sub := NewKafkaSubscriber(brokers, topic, "bus-test-"+uuid.NewString(), false, log)
	defer sub.Close()

	got := make(chan protocol.Envelope, 1)
	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = sub.Subscribe(subCtx, func(_ context.Context, e protocol.Envelope) {
			if e.ID == env.ID {
				select {
				case got <- e:
				default:
				}
			}
		})
	}()

	select {
	case e := <-got:
		req.Equal(env.Type, e.Type)
		req.Equal(conv, e.ConversationID)
		req.Equal(env.Recipients, e.Recipients)
		req.JSONEq(string(env.Data), string(e.Data))
	case <-ctx.Done():
		t.Fatal("envelope not consumed")
	}
}
