// Package sink defines the persistence collaborator that receives batch results
// and provides the in-process implementations.
//
// A batch is bracketed: StartBatch is called once, WritePage once per fetched page
// of every partition (pages of different partitions may interleave), and EndBatch
// once with the final status. Implementations need not be safe for concurrent use;
// the orchestrator wraps them with Serialized.
package sink

import (
	"context"
	"time"

	"github.com/JakeFAU/doorplate-crawler/internal/portal"
)

// Batch status values recorded by EndBatch.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Batch describes a batch at the moment it starts.
type Batch struct {
	ID         string    `json:"batch_id"`
	Endpoint   string    `json:"endpoint"`
	ParentCode string    `json:"parent_code"`
	Partitions []string  `json:"partitions"`
	StartedAt  time.Time `json:"started_at"`
}

// Page is one fetched page of one partition.
type Page struct {
	BatchID   string          `json:"batch_id"`
	Partition string          `json:"partition"`
	Page      int             `json:"page"`
	Rows      []portal.Record `json:"rows"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// PartitionSummary is the final state of one partition.
type PartitionSummary struct {
	Partition string `json:"partition"`
	Success   bool   `json:"success"`
	Count     int    `json:"count"`
	Error     string `json:"error,omitempty"`
}

// Summary closes a batch.
type Summary struct {
	BatchID    string             `json:"batch_id"`
	Status     string             `json:"status"`
	TotalCount int                `json:"total_count"`
	Error      string             `json:"error,omitempty"`
	Partitions []PartitionSummary `json:"partitions"`
	FinishedAt time.Time          `json:"finished_at"`
}

// Sink receives batch results.
type Sink interface {
	StartBatch(ctx context.Context, batch Batch) error
	WritePage(ctx context.Context, page Page) error
	EndBatch(ctx context.Context, summary Summary) error
}

// Nop discards everything.
type Nop struct{}

// StartBatch implements Sink.
func (Nop) StartBatch(context.Context, Batch) error { return nil }

// WritePage implements Sink.
func (Nop) WritePage(context.Context, Page) error { return nil }

// EndBatch implements Sink.
func (Nop) EndBatch(context.Context, Summary) error { return nil }
