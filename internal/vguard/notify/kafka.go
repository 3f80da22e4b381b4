package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notices as JSON, keyed by visitor id so a
// visitor's notices stay ordered on one partition.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka notifier requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka notifier requires a topic")
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

func (n *KafkaNotifier) Notify(ctx context.Context, note types.Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("Notify marshal: %w", err)
	}
	at := note.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := n.writer.WriteMessages(ctx, kafka.Message{
		Topic: n.topic,
		Key:   []byte(note.VisitorID),
		Value: payload,
		Time:  at,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(note.Kind)},
		},
	}); err != nil {
		return fmt.Errorf("Notify publish: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
