package sink

import (
	"context"
	"errors"
	"sync"
)

// Multi fans every event out to each sink and joins their errors.
type Multi []Sink

// StartBatch implements Sink.
func (m Multi) StartBatch(ctx context.Context, batch Batch) error {
	var errs []error
	for _, s := range m {
		if err := s.StartBatch(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WritePage implements Sink.
func (m Multi) WritePage(ctx context.Context, page Page) error {
	var errs []error
	for _, s := range m {
		if err := s.WritePage(ctx, page); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EndBatch implements Sink.
func (m Multi) EndBatch(ctx context.Context, summary Summary) error {
	var errs []error
	for _, s := range m {
		if err := s.EndBatch(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Serialized makes a Sink safe for concurrent callers by holding a mutex across each call.
type Serialized struct {
	mu   sync.Mutex
	next Sink
}

// NewSerialized wraps next. A nil next behaves like Nop.
func NewSerialized(next Sink) *Serialized {
	if next == nil {
		next = Nop{}
	}
	return &Serialized{next: next}
}

// StartBatch implements Sink.
func (s *Serialized) StartBatch(ctx context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.StartBatch(ctx, batch)
}

// WritePage implements Sink.
func (s *Serialized) WritePage(ctx context.Context, page Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.WritePage(ctx, page)
}

// EndBatch implements Sink.
func (s *Serialized) EndBatch(ctx context.Context, summary Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.EndBatch(ctx, summary)
}
