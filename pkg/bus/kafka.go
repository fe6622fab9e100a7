package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/protocol"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher keys every record by conversation so one conversation's
// events stay on one partition and are consumed in commit order.
type KafkaPublisher struct {
	w *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           5 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, env protocol.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   env.ConversationID[:],
		Value: value,
		Time:  env.OccurredAt,
	})
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

type KafkaSubscriber struct {
	r   *kafka.Reader
	log *slog.Logger
}

// NewKafkaSubscriber reads topic as groupID. Gateways pass a group unique to
// the instance so that every gateway sees every event; the archiver shares
// one group.
func NewKafkaSubscriber(brokers []string, topic, groupID string, fromLatest bool, log *slog.Logger) *KafkaSubscriber {
	cfg := kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  250 * time.Millisecond,
	}
	if fromLatest {
		cfg.StartOffset = kafka.LastOffset
	}
	return &KafkaSubscriber{r: kafka.NewReader(cfg), log: log}
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context, h Handler) error {
	for {
		m, err := s.r.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			s.log.Error("kafka read failed, retrying", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			s.log.Warn("dropping undecodable record", "partition", m.Partition, "offset", m.Offset, "err", err)
			continue
		}
		h(ctx, env)
	}
}

func (s *KafkaSubscriber) Close() error { return s.r.Close() }
