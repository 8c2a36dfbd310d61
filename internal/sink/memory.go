package sink

import (
	"context"
	"sync"
)

// Memory keeps every event in memory. It is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	batches   []Batch
	pages     []Page
	summaries []Summary
}

// NewMemory builds an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// StartBatch implements Sink.
func (m *Memory) StartBatch(_ context.Context, batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, batch)
	return nil
}

// WritePage implements Sink.
func (m *Memory) WritePage(_ context.Context, page Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page.Rows = append(page.Rows[:0:0], page.Rows...)
	m.pages = append(m.pages, page)
	return nil
}

// EndBatch implements Sink.
func (m *Memory) EndBatch(_ context.Context, summary Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, summary)
	return nil
}

// Batches returns the started batches.
func (m *Memory) Batches() []Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Batch(nil), m.batches...)
}

// Pages returns every written page in arrival order.
func (m *Memory) Pages() []Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Page(nil), m.pages...)
}

// Summaries returns the finished batches.
func (m *Memory) Summaries() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Summary(nil), m.summaries...)
}

// RowCount returns the number of rows written for partition.
func (m *Memory) RowCount(partition string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pages {
		if p.Partition == partition {
			n += len(p.Rows)
		}
	}
	return n
}
