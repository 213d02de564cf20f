package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-capture/internal/progress"
)

// PubSubSink publishes terminal job events to a Pub/Sub topic so downstream
// consumers can pick up finished records.
type PubSubSink struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubSink wraps an existing topic handle.
func NewPubSubSink(topic *pubsub.Topic, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{topic: topic, logger: logger}
}

// Consume publishes completed and failed events and waits for the server
// acknowledgements.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.topic == nil {
		return errors.New("pubsub topic is not configured")
	}
	var results []*pubsub.PublishResult
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"kind":   string(evt.Kind),
				"job_id": evt.JobID,
			},
		}))
	}
	var errs []error
	for _, res := range results {
		id, err := res.Get(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("job event published", zap.String("message_id", id))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("publish job events: %w", err)
	}
	return nil
}

// Close flushes pending messages and stops the topic's publisher goroutines.
func (s *PubSubSink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	return nil
}
