package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/doorplate-crawler/internal/batch"
	"github.com/JakeFAU/doorplate-crawler/internal/catalog"
	"github.com/JakeFAU/doorplate-crawler/internal/config"
	"github.com/JakeFAU/doorplate-crawler/internal/portal"
	"github.com/JakeFAU/doorplate-crawler/internal/portal/portaltest"
	"github.com/JakeFAU/doorplate-crawler/internal/sink"
	"github.com/JakeFAU/doorplate-crawler/internal/solver"
	restytransport "github.com/JakeFAU/doorplate-crawler/internal/transport/resty"
)

type fakeRunner struct {
	mu       sync.Mutex
	requests []batch.Request
	result   batch.BatchResult
	err      error
}

func (f *fakeRunner) RunBatch(_ context.Context, req batch.Request, _ sink.Sink) (batch.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return batch.BatchResult{}, f.err
	}
	res := f.result
	res.BatchID = "batch-1"
	for _, code := range req.Partitions {
		res.Outcomes = append(res.Outcomes, batch.PartitionOutcome{
			Partition: code,
			Label:     catalog.DistrictName(req.ParentCode, code),
			Success:   true,
		})
	}
	return res, nil
}

func (f *fakeRunner) last() batch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func testConfig() config.Config {
	return config.Config{
		Batch:  config.BatchConfig{ParentCode: catalog.TaipeiCityCode},
		Server: config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 30},
	}
}

func newTestServer(runner BatchRunner, checks ...ReadinessCheck) *Server {
	return NewServer(runner, nil, testConfig(), zap.NewNop(), checks...)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeRunner{}), http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReportsFailingCheck(t *testing.T) {
	t.Parallel()

	ok := newTestServer(&fakeRunner{}, func(context.Context) error { return nil })
	require.Equal(t, http.StatusOK, do(t, ok, http.MethodGet, "/readyz", "").Code)

	down := newTestServer(&fakeRunner{}, func(context.Context) error { return errors.New("db down") })
	rec := do(t, down, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotContains(t, rec.Body.String(), "db down")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRunner{})
	do(t, s, http.MethodGet, "/healthz", "")
	rec := do(t, s, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_ListDistricts(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeRunner{}), http.MethodGet, "/v1/districts", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ParentCode string             `json:"parent_code"`
		Districts  []catalog.District `json:"districts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, catalog.TaipeiCityCode, body.ParentCode)
	require.Len(t, body.Districts, 12)
	require.Equal(t, "松山區", body.Districts[0].Name)
}

func TestServer_ListRegisterKinds(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeRunner{}), http.MethodGet, "/v1/register-kinds", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "門牌初編")
}

func TestServer_QueryBatchResolvesNamesAndCodes(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	s := newTestServer(runner)
	body := `{"districts":["大安區","63000010"],"start_date":"114-09-01","end_date":"114/11/30","register_kind":"1"}`

	rec := do(t, s, http.MethodPost, "/v1/query/batch", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	req := runner.last()
	require.Equal(t, EndpointBatch, req.Endpoint)
	require.Equal(t, []string{"63000030", "63000010"}, req.Partitions)
	require.Equal(t, portal.ROCDate{Year: 114, Month: 9, Day: 1}, req.StartDate)
	require.Equal(t, portal.ROCDate{Year: 114, Month: 11, Day: 30}, req.EndDate)
	require.Equal(t, portal.RegisterKindInitial, req.RegisterKind)

	var resp queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "batch-1", resp.BatchID)
	require.Len(t, resp.Districts, 2)
	require.Equal(t, "大安區", resp.Districts[0].Name)
}

func TestServer_QueryBatchDefaultsToAllDistricts(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	rec := do(t, newTestServer(runner), http.MethodPost, "/v1/query/batch",
		`{"start_date":"114-09-01","end_date":"114-09-30"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	req := runner.last()
	require.Len(t, req.Partitions, 12)
	require.Equal(t, portal.RegisterKindAll, req.RegisterKind)
}

func TestServer_QueryBatchRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", "{nope", "invalid JSON"},
		{"bad date", `{"start_date":"114-13-01","end_date":"114-09-30"}`, "invalid JSON"},
		{"unknown district", `{"districts":["板橋區"],"start_date":"114-09-01","end_date":"114-09-30"}`, "unknown district"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runner := &fakeRunner{}
			rec := do(t, newTestServer(runner), http.MethodPost, "/v1/query/batch", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
			require.Empty(t, runner.requests)
		})
	}
}

func TestServer_QueryMapsInvalidRequestToBadRequest(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: fmt.Errorf("%w: end date before start date", batch.ErrInvalidRequest)}
	rec := do(t, newTestServer(runner), http.MethodPost, "/v1/query/district",
		`{"district":"信義區","start_date":"114-09-30","end_date":"114-09-01"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "end date before start date")
}

func TestServer_QueryRunnerFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: errors.New("boom")}
	rec := do(t, newTestServer(runner), http.MethodPost, "/v1/query/district",
		`{"district":"信義區","start_date":"114-09-01","end_date":"114-09-30"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "boom")
}

func TestServer_QueryDistrictIsOnePartitionBatch(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	rec := do(t, newTestServer(runner), http.MethodPost, "/v1/query/district",
		`{"district":"信義區","start_date":"114-09-01","end_date":"114-09-30","include_undated":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	req := runner.last()
	require.Equal(t, EndpointDistrict, req.Endpoint)
	require.Equal(t, []string{"63000020"}, req.Partitions)
	require.True(t, req.IncludeUndated)
}

func TestServer_QueryDistrictRequiresDistrict(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeRunner{}), http.MethodPost, "/v1/query/district",
		`{"start_date":"114-09-01","end_date":"114-09-30"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "district required")
}

func TestServer_APIKeyGuardsV1(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	s := NewServer(&fakeRunner{}, nil, cfg, zap.NewNop())

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/districts", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/districts", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/register-kinds?api_key=secret", "").Code)
}

type panicRunner struct{}

func (panicRunner) RunBatch(context.Context, batch.Request, sink.Sink) (batch.BatchResult, error) {
	panic("kaboom")
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(panicRunner{}), http.MethodPost, "/v1/query/district",
		`{"district":"信義區","start_date":"114-09-01","end_date":"114-09-30"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestServer_QueryDistrictAgainstPortal(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000020", []map[string]any{
		{"address": "信義路五段7號", "date": "114/09/02"},
		{"address": "松仁路100號", "date": "114/09/15"},
	})
	factory, err := restytransport.NewFactory(restytransport.Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	orch, err := batch.New(batch.Config{
		Challenge: portal.ChallengeConfig{AnswerLength: 5, MinImageBytes: 100},
	}, batch.Dependencies{
		Transports: factory,
		Solver:     solver.Fixed(srv.Answer()),
		Labels:     catalog.DistrictName,
	}, zap.NewNop())
	require.NoError(t, err)

	mem := sink.NewMemory()
	s := NewServer(orch, mem, testConfig(), zap.NewNop())
	rec := do(t, s, http.MethodPost, "/v1/query/district",
		`{"district":"信義區","start_date":"114-09-01","end_date":"114-09-30"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Equal(t, 2, resp.TotalCount)
	require.True(t, resp.Materialized)
	require.Len(t, resp.Data, 2)
	require.Equal(t, "信義區", resp.Data[0]["district"])
	require.Len(t, mem.Summaries(), 1)
	require.Equal(t, EndpointDistrict, mem.Batches()[0].Endpoint)
}
