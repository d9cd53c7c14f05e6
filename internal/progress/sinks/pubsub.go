package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/crawl-taskboard/internal/progress"
)

// PubSubSink publishes each progress event as one Pub/Sub message.
type PubSubSink struct {
	topic  *pubsub.Topic
	client *pubsub.Client
}

// NewPubSubSink wraps an existing topic handle.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

// DialPubSubSink creates a client for projectID and publishes to topicID.
// Close releases the client.
func DialPubSubSink(ctx context.Context, projectID, topicID string) (*PubSubSink, error) {
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init: %w", err)
	}
	return &PubSubSink{topic: client.Topic(topicID), client: client}, nil
}

// Consume publishes the batch and waits for every server ack.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}
		attrs := map[string]string{"stage": string(evt.Stage)}
		if evt.URL != "" {
			attrs["url"] = evt.URL
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data:       data,
			Attributes: attrs,
		}))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %d of %d progress events: %w", len(errs), len(batch), errors.Join(errs...))
	}
	return nil
}

// Close flushes outstanding publishes and releases an owned client.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
