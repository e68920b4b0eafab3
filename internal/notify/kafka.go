package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes notifications as JSON to a topic. Messages are keyed
// by request id so every event of a request lands on the same partition.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaSink creates a KafkaSink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, writeTimeout time.Duration) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: writeTimeout,
	}
	return newKafkaSink(w, writeTimeout)
}

func newKafkaSink(w messageWriter, timeout time.Duration) *KafkaSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaSink{writer: w, timeout: timeout}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Deliver implements Sink.
func (s *KafkaSink) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.RequestID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
			{Key: "notification_id", Value: []byte(n.ID)},
		},
		Time: n.CreatedAt,
	})
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
