// Package pubsub announces batch start and completion on a message topic.
package pubsub

import (
	"context"
	"fmt"

	"github.com/JakeFAU/doorplate-crawler/internal/sink"
)

// Event attribute values.
const (
	EventStarted  = "batch.started"
	EventFinished = "batch.finished"
)

// Publisher sends one message.
type Publisher interface {
	Publish(ctx context.Context, payload any, attrs map[string]string) (string, error)
}

// Sink publishes the batch bracket. Pages are not published.
type Sink struct {
	pub Publisher
}

// New builds a Sink.
func New(pub Publisher) (*Sink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &Sink{pub: pub}, nil
}

// StartBatch implements sink.Sink.
func (s *Sink) StartBatch(ctx context.Context, batch sink.Batch) error {
	_, err := s.pub.Publish(ctx, batch, map[string]string{
		"event":    EventStarted,
		"batch_id": batch.ID,
		"endpoint": batch.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("publish batch start: %w", err)
	}
	return nil
}

// WritePage implements sink.Sink.
func (s *Sink) WritePage(context.Context, sink.Page) error { return nil }

// EndBatch implements sink.Sink.
func (s *Sink) EndBatch(ctx context.Context, summary sink.Summary) error {
	_, err := s.pub.Publish(ctx, summary, map[string]string{
		"event":    EventFinished,
		"batch_id": summary.BatchID,
		"status":   summary.Status,
	})
	if err != nil {
		return fmt.Errorf("publish batch end: %w", err)
	}
	return nil
}
