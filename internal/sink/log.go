package sink

import (
	"context"

	"go.uber.org/zap"
)

// Log writes batch events to a zap logger.
type Log struct {
	logger *zap.Logger
}

// NewLog builds a Log sink.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// StartBatch implements Sink.
func (l *Log) StartBatch(_ context.Context, batch Batch) error {
	l.logger.Info("batch started",
		zap.String("batch_id", batch.ID),
		zap.String("endpoint", batch.Endpoint),
		zap.String("parent_code", batch.ParentCode),
		zap.Strings("partitions", batch.Partitions),
	)
	return nil
}

// WritePage implements Sink.
func (l *Log) WritePage(_ context.Context, page Page) error {
	l.logger.Debug("page received",
		zap.String("batch_id", page.BatchID),
		zap.String("partition", page.Partition),
		zap.Int("page", page.Page),
		zap.Int("rows", len(page.Rows)),
	)
	return nil
}

// EndBatch implements Sink.
func (l *Log) EndBatch(_ context.Context, summary Summary) error {
	fields := []zap.Field{
		zap.String("batch_id", summary.BatchID),
		zap.String("status", summary.Status),
		zap.Int("total_count", summary.TotalCount),
	}
	if summary.Error != "" {
		fields = append(fields, zap.String("error", summary.Error))
	}
	l.logger.Info("batch finished", fields...)
	return nil
}
