package batch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/doorplate-crawler/internal/portal"
)

// FailedCount is the Count of a partition that did not finish. A valid empty result is 0.
const FailedCount = -1

// ErrInvalidRequest marks a request rejected before any partition runs.
var ErrInvalidRequest = errors.New("invalid batch request")

// Request describes one batch run. Partitions are processed in the given order.
type Request struct {
	Endpoint       string              `json:"endpoint,omitempty"`
	ParentCode     string              `json:"parent_code"`
	Partitions     []string            `json:"partitions"`
	StartDate      portal.ROCDate      `json:"start_date"`
	EndDate        portal.ROCDate      `json:"end_date"`
	RegisterKind   portal.RegisterKind `json:"register_kind"`
	Village        string              `json:"village,omitempty"`
	Neighbor       string              `json:"neighbor,omitempty"`
	IncludeUndated bool                `json:"include_undated,omitempty"`
}

// Validate checks everything that can be checked without the portal.
func (r Request) Validate() error {
	if len(r.Partitions) == 0 {
		return fmt.Errorf("%w: no partitions", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(r.Partitions))
	for _, p := range r.Partitions {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: empty partition code", ErrInvalidRequest)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate partition %s", ErrInvalidRequest, p)
		}
		seen[p] = struct{}{}
	}
	if err := r.criteria(r.Partitions[0]).Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func (r Request) criteria(partition string) portal.QueryCriteria {
	return portal.QueryCriteria{
		PartitionCode:  partition,
		ParentCode:     r.ParentCode,
		StartDate:      r.StartDate,
		EndDate:        r.EndDate,
		RegisterKind:   r.RegisterKind,
		Village:        r.Village,
		Neighbor:       r.Neighbor,
		IncludeUndated: r.IncludeUndated,
	}
}

// PartitionOutcome is the final result of one partition.
type PartitionOutcome struct {
	Partition string          `json:"partition"`
	Label     string          `json:"label"`
	Success   bool            `json:"success"`
	Count     int             `json:"count"`
	Rows      []portal.Record `json:"-"`
	Pages     int             `json:"pages"`
	Attempts  int             `json:"attempts"`
	Partial   bool            `json:"partial,omitempty"`
	State     State           `json:"state"`
	Error     string          `json:"error,omitempty"`
	Elapsed   time.Duration   `json:"elapsed_ns"`
}

// BatchResult aggregates every partition of a run.
type BatchResult struct {
	BatchID    string             `json:"batch_id"`
	Outcomes   []PartitionOutcome `json:"outcomes"`
	Rows       []portal.Record    `json:"rows,omitempty"`
	TotalCount int                `json:"total_count"`
	// Materialized reports whether Rows holds the combined rows. It is false when
	// TotalCount exceeds the materialize limit.
	Materialized bool          `json:"materialized"`
	Success      bool          `json:"success"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// Failed returns the outcomes that did not succeed.
func (r BatchResult) Failed() []PartitionOutcome {
	var out []PartitionOutcome
	for _, o := range r.Outcomes {
		if !o.Success {
			out = append(out, o)
		}
	}
	return out
}
