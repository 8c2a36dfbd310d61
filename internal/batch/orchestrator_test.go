package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/doorplate-crawler/internal/catalog"
	"github.com/JakeFAU/doorplate-crawler/internal/portal"
	"github.com/JakeFAU/doorplate-crawler/internal/portal/portaltest"
	"github.com/JakeFAU/doorplate-crawler/internal/sink"
	"github.com/JakeFAU/doorplate-crawler/internal/solver"
	restytransport "github.com/JakeFAU/doorplate-crawler/internal/transport/resty"
)

type fixedID string

func (f fixedID) NewID() (string, error) { return string(f), nil }

type failingSink struct{}

func (failingSink) StartBatch(context.Context, sink.Batch) error { return errors.New("start down") }
func (failingSink) WritePage(context.Context, sink.Page) error   { return errors.New("write down") }
func (failingSink) EndBatch(context.Context, sink.Summary) error { return errors.New("end down") }

func newOrchestrator(t *testing.T, srv *portaltest.Server, s portal.Solver, cfg Config) *Orchestrator {
	t.Helper()
	factory, err := restytransport.NewFactory(restytransport.Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return newOrchestratorWithFactory(t, factory, s, cfg)
}

func newOrchestratorWithFactory(t *testing.T, factory portal.TransportFactory, s portal.Solver, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Query.PageSize == 0 {
		cfg.Query.PageSize = 50
	}
	cfg.Challenge = portal.ChallengeConfig{AnswerLength: 5, MinImageBytes: 100}
	o, err := New(cfg, Dependencies{
		Transports: factory,
		Solver:     s,
		IDs:        fixedID("batch-1"),
		Labels:     catalog.DistrictName,
	}, zap.NewNop())
	require.NoError(t, err)
	return o
}

func request(partitions ...string) Request {
	return Request{
		ParentCode:   catalog.TaipeiCityCode,
		Partitions:   partitions,
		StartDate:    portal.ROCDate{Year: 114, Month: 9, Day: 1},
		EndDate:      portal.ROCDate{Year: 114, Month: 11, Day: 30},
		RegisterKind: portal.RegisterKindInitial,
	}
}

func makeRows(prefix string, n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{"address": fmt.Sprintf("%s-%d", prefix, i+1), "date": "114/10/01"}
	}
	return rows
}

func failArea(area string) portaltest.InquiryOverride {
	return func(_ int, form url.Values) (int, string, bool) {
		if form.Get("areaCode") == area {
			return http.StatusInternalServerError, "boom", true
		}
		return 0, "", false
	}
}

func TestRunBatchDistinguishesEmptyFromFailed(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 3))
	srv.SetInquiryOverride(failArea("63000030"))

	o := newOrchestrator(t, srv, solver.Fixed(srv.Answer()), Config{Concurrency: 3})
	result, err := o.RunBatch(context.Background(), request("63000010", "63000020", "63000030"), sink.Nop{})
	require.NoError(t, err)

	require.Equal(t, "batch-1", result.BatchID)
	require.Len(t, result.Outcomes, 3)
	require.Equal(t, "63000010", result.Outcomes[0].Partition)
	require.True(t, result.Outcomes[0].Success)
	require.Equal(t, 3, result.Outcomes[0].Count)

	require.True(t, result.Outcomes[1].Success)
	require.Equal(t, 0, result.Outcomes[1].Count)
	require.Equal(t, StateDone, result.Outcomes[1].State)

	require.False(t, result.Outcomes[2].Success)
	require.Equal(t, FailedCount, result.Outcomes[2].Count)
	require.Equal(t, StateFailed, result.Outcomes[2].State)
	require.Equal(t, DefaultMaxAttempts, result.Outcomes[2].Attempts)
	require.NotEmpty(t, result.Outcomes[2].Error)

	require.False(t, result.Success)
	require.Equal(t, 3, result.TotalCount)
	require.True(t, result.Materialized)
	require.Len(t, result.Rows, 3)
	for _, row := range result.Rows {
		require.Equal(t, "松山區", row["district"])
	}
	require.Len(t, result.Failed(), 1)
}

// flakyFactory hands out a transport that cannot reach the portal for the n-th session.
func flakyFactory(t *testing.T, base string, n int32) portal.TransportFactory {
	t.Helper()
	real, err := restytransport.NewFactory(restytransport.Config{BaseURL: base, Timeout: 5 * time.Second})
	require.NoError(t, err)
	var calls atomic.Int32
	return func() (portal.Transport, error) {
		if calls.Add(1) == n {
			return deadTransport{}, nil
		}
		return real()
	}
}

type deadTransport struct{}

func (deadTransport) Do(context.Context, portal.Request) (portal.Response, error) {
	return portal.Response{}, errors.New("connection refused")
}

func TestRunBatchIsolatesNavigationFailure(t *testing.T) {
	t.Parallel()

	seed := func(srv *portaltest.Server) {
		srv.SetRecords("63000010", makeRows("a", 4))
		srv.SetRecords("63000020", makeRows("b", 2))
		srv.SetRecords("63000030", makeRows("c", 7))
	}
	req := request("63000010", "63000020", "63000030")

	baseline := portaltest.New(portaltest.Options{})
	t.Cleanup(baseline.Close)
	seed(baseline)
	clean, err := newOrchestrator(t, baseline, solver.Fixed(baseline.Answer()), Config{Concurrency: 1}).
		RunBatch(context.Background(), req, sink.Nop{})
	require.NoError(t, err)
	require.True(t, clean.Success)

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	seed(srv)
	o := newOrchestratorWithFactory(t, flakyFactory(t, srv.URL, 2), solver.Fixed(srv.Answer()), Config{Concurrency: 1})
	result, err := o.RunBatch(context.Background(), req, sink.Nop{})
	require.NoError(t, err)

	require.False(t, result.Outcomes[1].Success)
	require.Equal(t, FailedCount, result.Outcomes[1].Count)
	require.Contains(t, result.Outcomes[1].Error, "main")
	for _, i := range []int{0, 2} {
		require.True(t, result.Outcomes[i].Success)
		require.Equal(t, clean.Outcomes[i].Count, result.Outcomes[i].Count)
		require.Equal(t, clean.Outcomes[i].Rows, result.Outcomes[i].Rows)
	}
	require.Equal(t, 11, result.TotalCount)
}

func TestRunBatchRetriesRejectedAnswer(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 2))

	var calls atomic.Int32
	s := solver.Func(func(context.Context, []byte) (string, error) {
		if calls.Add(1) == 1 {
			return "wrong", nil
		}
		return srv.Answer(), nil
	})
	result, err := newOrchestrator(t, srv, s, Config{}).RunBatch(context.Background(), request("63000010"), sink.Nop{})
	require.NoError(t, err)

	out := result.Outcomes[0]
	require.True(t, out.Success)
	require.Equal(t, 2, out.Attempts)
	require.Equal(t, 2, out.Count)
	require.Equal(t, 2, srv.Hits(portal.PathInquiry))
	require.Equal(t, 2, srv.Hits(portal.PathCaptcha))
}

func TestRunBatchExhaustsAttempts(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 2))

	result, err := newOrchestrator(t, srv, solver.Fixed("zzzzz"), Config{MaxAttempts: 3}).
		RunBatch(context.Background(), request("63000010"), sink.Nop{})
	require.NoError(t, err)

	out := result.Outcomes[0]
	require.False(t, out.Success)
	require.Equal(t, FailedCount, out.Count)
	require.Equal(t, 3, out.Attempts)
	require.Equal(t, StateFailed, out.State)
	require.Contains(t, out.Error, "after 3 attempts")
	require.Equal(t, 3, srv.Hits(portal.PathInquiry))
	require.False(t, result.Success)
}

func TestRunBatchRefetchesOnLowConfidence(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 1))

	var calls atomic.Int32
	s := solver.Func(func(context.Context, []byte) (string, error) {
		if calls.Add(1) == 1 {
			return "ab", nil
		}
		return srv.Answer(), nil
	})
	result, err := newOrchestrator(t, srv, s, Config{}).RunBatch(context.Background(), request("63000010"), sink.Nop{})
	require.NoError(t, err)

	out := result.Outcomes[0]
	require.True(t, out.Success)
	require.Equal(t, 2, out.Attempts)
	require.Equal(t, 1, srv.Hits(portal.PathInquiry))
	require.Equal(t, 2, srv.Hits(portal.PathCaptcha))
}

func TestRunBatchRenavigatesExpiredSession(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 2))
	srv.SetInquiryOverride(func(call int, _ url.Values) (int, string, bool) {
		if call == 1 {
			return 419, "", true
		}
		return 0, "", false
	})

	result, err := newOrchestrator(t, srv, solver.Fixed(srv.Answer()), Config{}).
		RunBatch(context.Background(), request("63000010"), sink.Nop{})
	require.NoError(t, err)

	out := result.Outcomes[0]
	require.True(t, out.Success)
	require.Equal(t, 2, out.Count)
	require.Equal(t, 2, out.Attempts)
	require.Equal(t, 2, srv.Hits(portal.PathMain))
}

func TestRunBatchRetriesUnsolvedChallenge(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 2))

	var calls atomic.Int32
	s := solver.Func(func(context.Context, []byte) (string, error) {
		if calls.Add(1) == 1 {
			return "", solver.ErrUnsolved
		}
		return srv.Answer(), nil
	})
	result, err := newOrchestrator(t, srv, s, Config{MaxAttempts: 3}).
		RunBatch(context.Background(), request("63000010"), sink.Nop{})
	require.NoError(t, err)

	out := result.Outcomes[0]
	require.True(t, out.Success)
	require.Equal(t, 2, out.Count)
	require.Equal(t, 2, out.Attempts)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, 2, srv.Hits(portal.PathCaptcha))
	require.Equal(t, 1, srv.Hits(portal.PathInquiry))
}

func TestRunBatchUnsolvedChallengeExhaustsAttempts(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)

	s := solver.Func(func(context.Context, []byte) (string, error) { return "", solver.ErrUnsolved })
	result, err := newOrchestrator(t, srv, s, Config{MaxAttempts: 2}).
		RunBatch(context.Background(), request("63000010"), sink.Nop{})
	require.NoError(t, err)

	out := result.Outcomes[0]
	require.False(t, out.Success)
	require.Equal(t, FailedCount, out.Count)
	require.Equal(t, 2, out.Attempts)
	require.Contains(t, out.Error, "captcha not solved")
	require.Zero(t, srv.Hits(portal.PathInquiry))
}

func TestRunBatchRenavigatesAfterInquiryServerError(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 3))
	srv.SetInquiryOverride(func(call int, _ url.Values) (int, string, bool) {
		if call == 1 {
			return http.StatusServiceUnavailable, "busy", true
		}
		return 0, "", false
	})

	result, err := newOrchestrator(t, srv, solver.Fixed(srv.Answer()), Config{}).
		RunBatch(context.Background(), request("63000010"), sink.Nop{})
	require.NoError(t, err)

	out := result.Outcomes[0]
	require.True(t, out.Success)
	require.Equal(t, 3, out.Count)
	require.Equal(t, 2, out.Attempts)
	require.Equal(t, 2, srv.Hits(portal.PathMain))
	require.Equal(t, 2, srv.Hits(portal.PathInquiry))
}

func TestRunBatchFailsOnNonRetryableInquiryStatus(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetInquiryOverride(func(int, url.Values) (int, string, bool) {
		return http.StatusBadRequest, "bad form", true
	})

	result, err := newOrchestrator(t, srv, solver.Fixed(srv.Answer()), Config{}).
		RunBatch(context.Background(), request("63000010"), sink.Nop{})
	require.NoError(t, err)

	out := result.Outcomes[0]
	require.False(t, out.Success)
	require.Equal(t, 1, out.Attempts)
	require.Equal(t, 1, srv.Hits(portal.PathMain))
}

func TestRunBatchDrainsEveryPage(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 120))
	mem := sink.NewMemory()

	result, err := newOrchestrator(t, srv, solver.Fixed(srv.Answer()), Config{}).
		RunBatch(context.Background(), request("63000010"), mem)
	require.NoError(t, err)

	out := result.Outcomes[0]
	require.True(t, out.Success)
	require.Equal(t, 120, out.Count)
	require.Equal(t, 3, out.Pages)
	require.Equal(t, []int{1, 2, 3}, srv.InquiryPages())
	require.Equal(t, 120, mem.RowCount("63000010"))
	require.Equal(t, "a-120", out.Rows[119]["address"])
}

func TestRunBatchEmptySecondPage(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetInquiryOverride(func(_ int, form url.Values) (int, string, bool) {
		switch form.Get("page") {
		case "1":
			return http.StatusOK, `{"records":2,"total":2,"page":1,"rows":[{"address":"x1"},{"address":"x2"}],"token":"T"}`, true
		case "2":
			if form.Get("token") != "T" || form.Get("captchaInput") != "" {
				return http.StatusForbidden, "", true
			}
			return http.StatusOK, `{"records":2,"total":2,"page":2,"rows":[]}`, true
		}
		return http.StatusNotFound, "", true
	})

	result, err := newOrchestrator(t, srv, solver.Fixed(srv.Answer()), Config{}).
		RunBatch(context.Background(), request("63000010"), sink.Nop{})
	require.NoError(t, err)

	out := result.Outcomes[0]
	require.True(t, out.Success)
	require.False(t, out.Partial)
	require.Equal(t, 2, out.Count)
	require.Len(t, result.Rows, 2)
	require.True(t, result.Success)
}

func TestRunBatchKeepsRowsOnInconsistentPagination(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 150))
	srv.SetInquiryOverride(func(_ int, form url.Values) (int, string, bool) {
		if form.Get("page") != "1" {
			return http.StatusOK, `{"records":150,"total":3,"rows":[],"token":"again"}`, true
		}
		return 0, "", false
	})

	result, err := newOrchestrator(t, srv, solver.Fixed(srv.Answer()), Config{MaxEmptyPages: 1}).
		RunBatch(context.Background(), request("63000010"), sink.Nop{})
	require.NoError(t, err)

	out := result.Outcomes[0]
	require.True(t, out.Success)
	require.True(t, out.Partial)
	require.Equal(t, 50, out.Count)
	require.Contains(t, out.Error, "empty pages")
	require.Equal(t, StateDone, out.State)
}

func TestRunBatchMaterializeLimit(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 4))
	srv.SetRecords("63000020", makeRows("b", 3))

	result, err := newOrchestrator(t, srv, solver.Fixed(srv.Answer()), Config{MaterializeLimit: 5}).
		RunBatch(context.Background(), request("63000010", "63000020"), sink.Nop{})
	require.NoError(t, err)

	require.True(t, result.Success)
	require.Equal(t, 7, result.TotalCount)
	require.False(t, result.Materialized)
	require.Nil(t, result.Rows)
	require.Len(t, result.Outcomes[1].Rows, 3)
}

func TestRunBatchCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	mem := sink.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := newOrchestrator(t, srv, solver.Fixed(srv.Answer()), Config{}).
		RunBatch(ctx, request("63000010", "63000020"), mem)
	require.NoError(t, err)

	for _, out := range result.Outcomes {
		require.False(t, out.Success)
		require.Equal(t, FailedCount, out.Count)
		require.Contains(t, out.Error, "canceled")
	}
	require.Zero(t, srv.Hits(portal.PathMain))
	summaries := mem.Summaries()
	require.Len(t, summaries, 1)
	require.Equal(t, sink.StatusFailed, summaries[0].Status)
}

func TestRunBatchCanceledMidBatchKeepsFinishedOutcomes(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 4))
	srv.SetRecords("63000020", makeRows("b", 2))
	mem := sink.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// The second solve belongs to the second partition; cancel the batch while it is in flight.
	var calls atomic.Int32
	s := solver.Func(func(context.Context, []byte) (string, error) {
		if calls.Add(1) == 2 {
			cancel()
		}
		return srv.Answer(), nil
	})
	result, err := newOrchestrator(t, srv, s, Config{Concurrency: 1}).
		RunBatch(ctx, request("63000010", "63000020"), mem)
	require.NoError(t, err)

	first, second := result.Outcomes[0], result.Outcomes[1]
	require.True(t, first.Success)
	require.Equal(t, 4, first.Count)
	require.Equal(t, StateDone, first.State)
	require.Len(t, first.Rows, 4)

	require.False(t, second.Success)
	require.Equal(t, FailedCount, second.Count)
	require.Equal(t, StateFailed, second.State)
	require.Contains(t, second.Error, "canceled")

	require.False(t, result.Success)
	require.Equal(t, 4, result.TotalCount)
	require.Equal(t, 4, mem.RowCount("63000010"))
	require.Zero(t, mem.RowCount("63000020"))

	summaries := mem.Summaries()
	require.Len(t, summaries, 1)
	require.Equal(t, sink.StatusPartial, summaries[0].Status)
	require.Equal(t, 4, summaries[0].TotalCount)
	require.True(t, summaries[0].Partitions[0].Success)
	require.Equal(t, FailedCount, summaries[0].Partitions[1].Count)
}

func TestRunBatchSinkBracket(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 60))
	srv.SetInquiryOverride(failArea("63000020"))
	mem := sink.NewMemory()

	req := request("63000010", "63000020")
	req.Endpoint = "district"
	_, err := newOrchestrator(t, srv, solver.Fixed(srv.Answer()), Config{}).RunBatch(context.Background(), req, mem)
	require.NoError(t, err)

	batches := mem.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, "batch-1", batches[0].ID)
	require.Equal(t, "district", batches[0].Endpoint)
	require.Equal(t, []string{"63000010", "63000020"}, batches[0].Partitions)

	pages := mem.Pages()
	require.Len(t, pages, 2)
	for _, p := range pages {
		require.Equal(t, "batch-1", p.BatchID)
		require.Equal(t, "63000010", p.Partition)
	}

	summaries := mem.Summaries()
	require.Len(t, summaries, 1)
	require.Equal(t, sink.StatusPartial, summaries[0].Status)
	require.Equal(t, 60, summaries[0].TotalCount)
	require.Equal(t, "1 of 2 partitions failed", summaries[0].Error)
	require.Equal(t, FailedCount, summaries[0].Partitions[1].Count)
}

func TestRunBatchIgnoresSinkFailures(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	srv.SetRecords("63000010", makeRows("a", 2))

	result, err := newOrchestrator(t, srv, solver.Fixed(srv.Answer()), Config{}).
		RunBatch(context.Background(), request("63000010"), failingSink{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 2, result.TotalCount)
}

func TestRunBatchRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	srv := portaltest.New(portaltest.Options{})
	t.Cleanup(srv.Close)
	o := newOrchestrator(t, srv, solver.Fixed(srv.Answer()), Config{})

	_, err := o.RunBatch(context.Background(), request(), sink.Nop{})
	require.ErrorIs(t, err, ErrInvalidRequest)

	bad := request("63000010")
	bad.EndDate = portal.ROCDate{Year: 114, Month: 8, Day: 1}
	_, err = o.RunBatch(context.Background(), bad, sink.Nop{})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorIs(t, err, portal.ErrInvalidCriteria)

	_, err = o.RunBatch(context.Background(), request("63000010", "63000010"), sink.Nop{})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Zero(t, srv.Hits(portal.PathMain))
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Dependencies{Solver: solver.Fixed("abcde")}, nil)
	require.Error(t, err)
	_, err = New(Config{}, Dependencies{Transports: func() (portal.Transport, error) { return deadTransport{}, nil }}, nil)
	require.Error(t, err)
}
