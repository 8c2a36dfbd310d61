// Package batch runs the portal protocol across many partitions.
//
// Every partition gets its own session, challenge loop and pagination. A failing
// partition is recorded and never stops the others; RunBatch only returns an error
// for a request that cannot start.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/doorplate-crawler/internal/clock/system"
	"github.com/JakeFAU/doorplate-crawler/internal/metrics"
	"github.com/JakeFAU/doorplate-crawler/internal/portal"
	"github.com/JakeFAU/doorplate-crawler/internal/sink"
)

// Defaults applied to zero Config fields.
const (
	DefaultConcurrency      = 2
	DefaultMaxAttempts      = 3
	DefaultMaterializeLimit = 300
	DefaultPartitionTimeout = 5 * time.Minute
	DefaultEndpoint         = "batch"
)

// IDGenerator issues batch identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Labeler names a partition for logs and row annotation.
type Labeler func(parentCode, partition string) string

// Config tunes a batch run.
type Config struct {
	Concurrency      int
	MaxAttempts      int
	MaterializeLimit int
	PartitionTimeout time.Duration
	MaxEmptyPages    int
	Query            portal.QueryConfig
	Challenge        portal.ChallengeConfig
}

// Dependencies are the collaborators shared by every partition.
// Transports and Solver are required.
type Dependencies struct {
	Transports portal.TransportFactory
	Solver     portal.Solver
	Clock      portal.Clock
	Retry      portal.RetryPolicy
	IDs        IDGenerator
	Labels     Labeler
}

// Orchestrator runs batches.
type Orchestrator struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
}

// New validates deps and fills config defaults.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Transports == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if deps.Solver == nil {
		return nil, fmt.Errorf("solver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Labels == nil {
		deps.Labels = func(_, partition string) string { return partition }
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaterializeLimit <= 0 {
		cfg.MaterializeLimit = DefaultMaterializeLimit
	}
	if cfg.PartitionTimeout <= 0 {
		cfg.PartitionTimeout = DefaultPartitionTimeout
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger.Named("batch")}, nil
}

// RunBatch processes every partition of req and reports each outcome.
// Sink failures are logged and counted but never change an outcome.
func (o *Orchestrator) RunBatch(ctx context.Context, req Request, out sink.Sink) (BatchResult, error) {
	if err := req.Validate(); err != nil {
		return BatchResult{}, err
	}
	start := o.deps.Clock.Now()
	batchID := o.newBatchID()
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	logger := o.logger.With(zap.String("batch_id", batchID))
	shared := sink.NewSerialized(out)

	if err := shared.StartBatch(ctx, sink.Batch{
		ID:         batchID,
		Endpoint:   endpoint,
		ParentCode: req.ParentCode,
		Partitions: append([]string(nil), req.Partitions...),
		StartedAt:  start,
	}); err != nil {
		metrics.ObserveSinkError("start_batch")
		logger.Warn("sink start batch failed", zap.Error(err))
	}
	logger.Info("batch started",
		zap.String("endpoint", endpoint),
		zap.Strings("partitions", req.Partitions),
		zap.Stringer("start_date", req.StartDate),
		zap.Stringer("end_date", req.EndDate),
	)

	outcomes := make([]PartitionOutcome, len(req.Partitions))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, code := range req.Partitions {
		g.Go(func() error {
			outcomes[i] = o.runPartition(ctx, batchID, req, code, shared, logger)
			return nil
		})
	}
	_ = g.Wait()

	result := o.aggregate(batchID, outcomes)
	result.Elapsed = o.deps.Clock.Now().Sub(start)
	metrics.ObserveBatch(result.Elapsed)

	summary := summarize(result, o.deps.Clock.Now())
	// The bracket is closed even when the caller has gone away.
	if err := shared.EndBatch(context.WithoutCancel(ctx), summary); err != nil {
		metrics.ObserveSinkError("end_batch")
		logger.Warn("sink end batch failed", zap.Error(err))
	}
	logger.Info("batch finished",
		zap.String("status", summary.Status),
		zap.Int("total_count", result.TotalCount),
		zap.Int("failed_partitions", len(result.Failed())),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

func (o *Orchestrator) newBatchID() string {
	if o.deps.IDs != nil {
		id, err := o.deps.IDs.NewID()
		if err == nil {
			return id
		}
		o.logger.Warn("batch id generation failed", zap.Error(err))
	}
	return uuid.NewString()
}

func (o *Orchestrator) runPartition(
	ctx context.Context,
	batchID string,
	req Request,
	code string,
	out sink.Sink,
	logger *zap.Logger,
) PartitionOutcome {
	label := o.deps.Labels(req.ParentCode, code)
	outcome := PartitionOutcome{Partition: code, Label: label, Count: FailedCount, State: StateInit}
	logger = logger.With(zap.String("partition", code), zap.String("label", label))

	if err := ctx.Err(); err != nil {
		outcome.State = StateFailed
		outcome.Error = fmt.Sprintf("canceled before start: %v", err)
		metrics.ObservePartition(code, "canceled", 0)
		logger.Warn("partition skipped", zap.Error(err))
		return outcome
	}

	metrics.IncActivePartitions()
	defer metrics.DecActivePartitions()
	start := o.deps.Clock.Now()
	pctx, cancel := context.WithTimeout(ctx, o.cfg.PartitionTimeout)
	defer cancel()

	run := o.newRun(batchID, req.criteria(code), out, logger)
	note, err := run.execute(pctx)

	outcome.Attempts = run.attempts
	outcome.Pages = run.pageCount
	outcome.State = run.m.state
	outcome.Elapsed = o.deps.Clock.Now().Sub(start)
	if err != nil {
		outcome.Error = err.Error()
		metrics.ObservePartition(code, sink.StatusFailed, 0)
		logger.Error("partition failed",
			zap.Int("attempts", run.attempts),
			zap.String("state", string(run.m.state)),
			zap.Error(err),
		)
		return outcome
	}

	outcome.Success = true
	outcome.Rows = run.rows
	outcome.Count = len(run.rows)
	status := sink.StatusSuccess
	if note != nil {
		outcome.Partial = true
		outcome.Error = note.Error()
		status = sink.StatusPartial
	}
	metrics.ObservePartition(code, status, outcome.Count)
	logger.Info("partition finished",
		zap.Int("count", outcome.Count),
		zap.Int("pages", outcome.Pages),
		zap.Int("attempts", outcome.Attempts),
		zap.Bool("partial", outcome.Partial),
	)
	return outcome
}

func (o *Orchestrator) newRun(batchID string, criteria portal.QueryCriteria, out sink.Sink, logger *zap.Logger) *partitionRun {
	query := portal.NewQuerySession(o.deps.Clock, o.cfg.Query, logger)
	return &partitionRun{
		batchID:     batchID,
		criteria:    criteria,
		nav:         portal.NewNavigator(o.deps.Transports, o.deps.Clock, o.deps.Retry, logger),
		challenges:  portal.NewChallengeManager(o.deps.Solver, o.deps.Clock, o.deps.Retry, o.cfg.Challenge, logger),
		query:       query,
		pages:       portal.NewPaginationDriver(query, o.cfg.MaxEmptyPages, logger),
		sink:        out,
		clock:       o.deps.Clock,
		maxAttempts: o.cfg.MaxAttempts,
		logger:      logger,
		m:           newMachine(),
	}
}

func (o *Orchestrator) aggregate(batchID string, outcomes []PartitionOutcome) BatchResult {
	result := BatchResult{BatchID: batchID, Outcomes: outcomes, Success: true}
	for _, oc := range outcomes {
		if !oc.Success {
			result.Success = false
			continue
		}
		result.TotalCount += oc.Count
	}
	if result.TotalCount > o.cfg.MaterializeLimit {
		return result
	}
	result.Materialized = true
	result.Rows = make([]portal.Record, 0, result.TotalCount)
	for _, oc := range outcomes {
		if !oc.Success {
			continue
		}
		for _, row := range oc.Rows {
			annotated := make(portal.Record, len(row)+1)
			for k, v := range row {
				annotated[k] = v
			}
			annotated["district"] = oc.Label
			result.Rows = append(result.Rows, annotated)
		}
	}
	return result
}

func summarize(result BatchResult, now time.Time) sink.Summary {
	summary := sink.Summary{
		BatchID:    result.BatchID,
		TotalCount: result.TotalCount,
		FinishedAt: now,
		Partitions: make([]sink.PartitionSummary, 0, len(result.Outcomes)),
	}
	failed := 0
	for _, oc := range result.Outcomes {
		if !oc.Success {
			failed++
		}
		summary.Partitions = append(summary.Partitions, sink.PartitionSummary{
			Partition: oc.Partition,
			Success:   oc.Success,
			Count:     oc.Count,
			Error:     oc.Error,
		})
	}
	switch {
	case failed == 0:
		summary.Status = sink.StatusSuccess
	case failed == len(result.Outcomes):
		summary.Status = sink.StatusFailed
		summary.Error = "all partitions failed"
	default:
		summary.Status = sink.StatusPartial
		summary.Error = fmt.Sprintf("%d of %d partitions failed", failed, len(result.Outcomes))
	}
	return summary
}
