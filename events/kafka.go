package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/freshfold/payrecon/payment"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Kafka publishes events keyed by Event.Key, so all balance changes for one
// order land on the same partition in commit order.
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(cfg KafkaConfig) *Kafka {
	return &Kafka{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *Kafka) Publish(ctx context.Context, e payment.Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key()),
		Value: data,
		Time:  e.At,
	}); err != nil {
		return fmt.Errorf("kafka publish %s: %w", e.Kind, err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }
