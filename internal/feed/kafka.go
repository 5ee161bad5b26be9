package feed

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes every event as JSON keyed by event id.
type KafkaSink struct {
	w messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
		Topic:   topic,
	})}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Deliver(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal feed event")
	}
	msg := kafka.Message{
		Key:   []byte(e.ID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(e.Outcome)},
		},
	}
	return errors.Wrap(k.w.WriteMessages(ctx, msg), "publish feed event")
}

func (k *KafkaSink) Close() error { return k.w.Close() }
