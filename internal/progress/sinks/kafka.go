package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/crawl-taskboard/internal/progress"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes progress events as JSON messages keyed by task URL, so
// every event for one task lands on the same partition.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink builds a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	})
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(writer messageWriter) (*KafkaSink, error) {
	if writer == nil {
		return nil, errors.New("kafka writer is required")
	}
	return &KafkaSink{writer: writer}, nil
}

// Consume writes the batch in one call.
func (s *KafkaSink) Consume(ctx context.Context, batch []progress.Event) error {
	if len(batch) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(batch))
	for _, evt := range batch {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(evt.Key()),
			Value: payload,
			Time:  evt.TS,
			Headers: []kafka.Header{
				{Key: "stage", Value: []byte(evt.Stage)},
			},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write progress messages: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close(context.Context) error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
