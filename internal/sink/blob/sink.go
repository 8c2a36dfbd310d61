// Package blob archives every page of a batch as a JSON object.
//
// Layout below the prefix:
//
//	<batch>/batch.json
//	<batch>/<partition>/page-0001.json
//	<batch>/summary.json
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/doorplate-crawler/internal/sink"
)

const contentType = "application/json"

// Store is the object storage the sink writes to.
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Sink writes batch events to a Store.
type Sink struct {
	store  Store
	prefix string
	logger *zap.Logger
}

// New builds a Sink. prefix may be empty.
func New(store Store, prefix string, logger *zap.Logger) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, prefix: strings.Trim(prefix, "/"), logger: logger.Named("blob_sink")}, nil
}

// StartBatch implements sink.Sink.
func (s *Sink) StartBatch(ctx context.Context, batch sink.Batch) error {
	_, err := s.put(ctx, s.key(batch.ID, "batch.json"), batch)
	return err
}

// WritePage implements sink.Sink.
func (s *Sink) WritePage(ctx context.Context, page sink.Page) error {
	if len(page.Rows) == 0 {
		return nil
	}
	uri, err := s.put(ctx, s.key(page.BatchID, page.Partition, fmt.Sprintf("page-%04d.json", page.Page)), page)
	if err != nil {
		return err
	}
	s.logger.Debug("page archived",
		zap.String("batch_id", page.BatchID),
		zap.String("partition", page.Partition),
		zap.Int("page", page.Page),
		zap.String("uri", uri),
	)
	return nil
}

// EndBatch implements sink.Sink.
func (s *Sink) EndBatch(ctx context.Context, summary sink.Summary) error {
	_, err := s.put(ctx, s.key(summary.BatchID, "summary.json"), summary)
	return err
}

// key returns the object path for parts below the prefix.
func (s *Sink) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (s *Sink) put(ctx context.Context, key string, v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode %s: %w", key, err)
	}
	uri, err := s.store.PutObject(ctx, key, contentType, &buf)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return uri, nil
}
