// Package postgres persists batches into Postgres: one crawl log row per batch and
// one row per record, deduplicated by a content hash.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/doorplate-crawler/internal/hash/sha256"
	"github.com/JakeFAU/doorplate-crawler/internal/portal"
	"github.com/JakeFAU/doorplate-crawler/internal/sink"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// statusRunning marks a batch whose EndBatch has not arrived.
const statusRunning = "running"

// Config controls the connection pool and table names.
type Config struct {
	DSN             string
	LogTable        string
	RecordTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// RecordHasher fingerprints a record for deduplication.
type RecordHasher interface {
	HashRecord(partition string, rec portal.Record) (string, error)
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// Sink writes batch brackets and records into Postgres.
type Sink struct {
	pool        execCloser
	logTable    string
	recordTable string
	hasher      RecordHasher
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.LogTable, cfg.RecordTable, nil)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool builds a sink on an existing pool. Empty table names take the defaults.
func NewWithPool(pool execCloser, logTable, recordTable string, hasher RecordHasher) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logTable == "" {
		logTable = "crawl_log"
	}
	if recordTable == "" {
		recordTable = "doorplate_records"
	}
	for _, name := range []string{logTable, recordTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Sink{pool: pool, logTable: logTable, recordTable: recordTable, hasher: hasher}, nil
}

// Migrate creates the tables when they do not exist.
func (s *Sink) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	batch_id     TEXT PRIMARY KEY,
	endpoint     TEXT NOT NULL,
	parent_code  TEXT NOT NULL,
	partitions   TEXT[] NOT NULL,
	status       TEXT NOT NULL,
	total_count  INTEGER,
	error        TEXT,
	summary      JSONB,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS %[2]s (
	record_hash  TEXT PRIMARY KEY,
	batch_id     TEXT NOT NULL REFERENCES %[1]s (batch_id),
	partition    TEXT NOT NULL,
	page         INTEGER NOT NULL,
	payload      JSONB NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL
)`, s.logTable, s.recordTable)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate postgres sink: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Sink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *Sink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StartBatch implements sink.Sink.
func (s *Sink) StartBatch(ctx context.Context, batch sink.Batch) error {
	if batch.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (batch_id, endpoint, parent_code, partitions, status, started_at)
VALUES ($1,$2,$3,$4,$5,$6)`, s.logTable)
	args := []any{batch.ID, batch.Endpoint, batch.ParentCode, batch.Partitions, statusRunning, batch.StartedAt}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert crawl log: %w", err)
	}
	return nil
}

// WritePage implements sink.Sink. All rows of the page go in one statement; rows already stored are skipped.
func (s *Sink) WritePage(ctx context.Context, page sink.Page) error {
	if len(page.Rows) == 0 {
		return nil
	}
	const cols = 6
	values := make([]string, 0, len(page.Rows))
	args := make([]any, 0, len(page.Rows)*cols)
	for i, row := range page.Rows {
		hash, err := s.hasher.HashRecord(page.Partition, row)
		if err != nil {
			return fmt.Errorf("hash record %d: %w", i, err)
		}
		payload, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal record %d: %w", i, err)
		}
		n := i * cols
		values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6))
		args = append(args, hash, page.BatchID, page.Partition, page.Page, payload, page.FetchedAt)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (record_hash, batch_id, partition, page, payload, fetched_at)
VALUES %s
ON CONFLICT (record_hash) DO NOTHING`, s.recordTable, strings.Join(values, ","))
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert records: %w", err)
	}
	return nil
}

// EndBatch implements sink.Sink.
func (s *Sink) EndBatch(ctx context.Context, summary sink.Summary) error {
	partitions, err := json.Marshal(summary.Partitions)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, total_count = $3, error = $4, summary = $5, finished_at = $6
WHERE batch_id = $1`, s.logTable)
	tag, err := s.pool.Exec(ctx, query,
		summary.BatchID, summary.Status, summary.TotalCount, summary.Error, partitions, summary.FinishedAt)
	if err != nil {
		return fmt.Errorf("update crawl log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update crawl log: batch %s not found", summary.BatchID)
	}
	return nil
}
