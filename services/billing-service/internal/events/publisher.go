package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/carebill/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

// Publisher delivers events after the owning database transaction committed. Delivery is
// best effort: the ledger stays the source of truth and consumers must tolerate gaps.
type Publisher interface {
	Publish(ctx context.Context, evts ...Event) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

func NewKafkaPublisher(brokers string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(kafkax.SplitBrokers(brokers)...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			WriteTimeout:           5 * time.Second,
			RequiredAcks:           kafka.RequireAll,
		},
		logger: logger,
	}
}

// NewPublisher returns a Kafka publisher, or a no-op one when no brokers are configured.
func NewPublisher(brokers string, logger *slog.Logger) Publisher {
	if len(kafkax.SplitBrokers(brokers)) == 0 {
		logger.Warn("event publishing disabled (no kafka brokers configured)")
		return NopPublisher{}
	}
	return NewKafkaPublisher(brokers, logger)
}

func (p *KafkaPublisher) Publish(ctx context.Context, evts ...Event) error {
	if len(evts) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(evts))
	for _, e := range evts {
		msgs = append(msgs, kafka.Message{
			Topic: e.EventType,
			Key:   []byte(e.AggregateID),
			Value: e.Payload,
			Time:  e.OccurredAt,
			Headers: kafkax.Headers(ctx,
				"event_id", e.ID,
				"event_type", e.EventType,
				"aggregate_type", e.AggregateType,
			),
		})
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...Event) error { return nil }
func (NopPublisher) Close() error                            { return nil }

// PublishBestEffort logs delivery failures instead of returning them.
func PublishBestEffort(ctx context.Context, p Publisher, logger *slog.Logger, evts ...Event) {
	if p == nil || len(evts) == 0 {
		return
	}
	if err := p.Publish(ctx, evts...); err != nil {
		logger.Warn("event publish failed", "err", err, "count", len(evts), "event_type", evts[0].EventType)
	}
}
