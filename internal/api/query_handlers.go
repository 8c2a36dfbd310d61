package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/doorplate-crawler/internal/batch"
	"github.com/JakeFAU/doorplate-crawler/internal/catalog"
	"github.com/JakeFAU/doorplate-crawler/internal/portal"
)

// Endpoint names recorded in the crawl log.
const (
	EndpointBatch    = "batch"
	EndpointDistrict = "district"
)

// queryFilters are the criteria shared by both query endpoints.
type queryFilters struct {
	StartDate      portal.ROCDate      `json:"start_date"`
	EndDate        portal.ROCDate      `json:"end_date"`
	RegisterKind   portal.RegisterKind `json:"register_kind"`
	Village        string              `json:"village"`
	Neighbor       string              `json:"neighbor"`
	IncludeUndated bool                `json:"include_undated"`
}

type batchQueryRequest struct {
	// Districts are names or codes. Empty means every district of the parent region.
	Districts []string `json:"districts"`
	queryFilters
}

type districtQueryRequest struct {
	District string `json:"district"`
	queryFilters
}

type districtResult struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Success  bool   `json:"success"`
	Count    int    `json:"count"`
	Pages    int    `json:"pages"`
	Attempts int    `json:"attempts"`
	Partial  bool   `json:"partial,omitempty"`
	Error    string `json:"error,omitempty"`
}

type queryResponse struct {
	BatchID       string           `json:"batch_id"`
	Success       bool             `json:"success"`
	TotalCount    int              `json:"total_count"`
	Materialized  bool             `json:"materialized"`
	Data          []portal.Record  `json:"data,omitempty"`
	Districts     []districtResult `json:"districts"`
	ExecutionTime float64          `json:"execution_time_seconds"`
}

func (s *Server) queryBatch(w http.ResponseWriter, r *http.Request) {
	var body batchQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	codes, err := s.resolveDistricts(body.Districts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.run(w, r, s.buildRequest(EndpointBatch, codes, body.queryFilters))
}

func (s *Server) queryDistrict(w http.ResponseWriter, r *http.Request) {
	var body districtQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.District == "" {
		writeError(w, http.StatusBadRequest, "district required")
		return
	}
	codes, err := s.resolveDistricts([]string{body.District})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.run(w, r, s.buildRequest(EndpointDistrict, codes, body.queryFilters))
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, req batch.Request) {
	result, err := s.runner.RunBatch(r.Context(), req, s.sink)
	if err != nil {
		if errors.Is(err, batch.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("batch run failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "batch run failed")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(result))
}

func (s *Server) buildRequest(endpoint string, codes []string, f queryFilters) batch.Request {
	kind := f.RegisterKind
	if kind == "" {
		kind = portal.RegisterKindAll
	}
	return batch.Request{
		Endpoint:       endpoint,
		ParentCode:     s.parentCode,
		Partitions:     codes,
		StartDate:      f.StartDate,
		EndDate:        f.EndDate,
		RegisterKind:   kind,
		Village:        f.Village,
		Neighbor:       f.Neighbor,
		IncludeUndated: f.IncludeUndated,
	}
}

func (s *Server) resolveDistricts(names []string) ([]string, error) {
	codes, err := catalog.Resolve(s.parentCode, names)
	if err != nil {
		return nil, fmt.Errorf("resolve districts: %w", err)
	}
	return codes, nil
}

func toResponse(result batch.BatchResult) queryResponse {
	resp := queryResponse{
		BatchID:       result.BatchID,
		Success:       result.Success,
		TotalCount:    result.TotalCount,
		Materialized:  result.Materialized,
		Data:          result.Rows,
		Districts:     make([]districtResult, 0, len(result.Outcomes)),
		ExecutionTime: result.Elapsed.Seconds(),
	}
	for _, o := range result.Outcomes {
		resp.Districts = append(resp.Districts, districtResult{
			Code:     o.Partition,
			Name:     o.Label,
			Success:  o.Success,
			Count:    o.Count,
			Pages:    o.Pages,
			Attempts: o.Attempts,
			Partial:  o.Partial,
			Error:    o.Error,
		})
	}
	return resp
}

func (s *Server) listDistricts(w http.ResponseWriter, _ *http.Request) {
	districts, err := catalog.Districts(s.parentCode)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parent_code": s.parentCode, "districts": districts})
}

func (s *Server) listRegisterKinds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"register_kinds": catalog.RegisterKinds()})
}
