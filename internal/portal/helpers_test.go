package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/doorplate-crawler/internal/portal/portaltest"
)

// httpTransport is a minimal Transport so this package can be tested without importing its adapters.
type httpTransport struct {
	base   string
	client *http.Client
}

func newHTTPFactory(base string) TransportFactory {
	return func() (Transport, error) {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		return &httpTransport{base: base, client: &http.Client{Jar: jar, Timeout: 5 * time.Second}}, nil
	}
}

func (t *httpTransport) Do(ctx context.Context, req Request) (Response, error) {
	target := t.base + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var body io.Reader
	if req.Method != http.MethodGet && req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}
	r, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return Response{}, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := t.client.Do(r)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

type fixedSolver string

func (s fixedSolver) Solve(context.Context, []byte) (string, error) { return string(s), nil }

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type harness struct {
	srv        *portaltest.Server
	nav        *Navigator
	challenges *ChallengeManager
	query      *QuerySession
	pages      *PaginationDriver
}

func newHarness(t *testing.T, opts portaltest.Options) *harness {
	t.Helper()
	srv := portaltest.New(opts)
	t.Cleanup(srv.Close)
	logger := zap.NewNop()
	clock := fakeClock{now: time.Date(2025, 11, 30, 8, 0, 0, 0, time.UTC)}
	query := NewQuerySession(clock, QueryConfig{PageSize: 50}, logger)
	return &harness{
		srv: srv,
		nav: NewNavigator(newHTTPFactory(srv.URL), clock, nil, logger),
		challenges: NewChallengeManager(
			fixedSolver(strings.ToUpper(srv.Answer())),
			clock,
			nil,
			ChallengeConfig{AnswerLength: 5, MinImageBytes: 100},
			logger,
		),
		query: query,
		pages: NewPaginationDriver(query, 2, logger),
	}
}

// selected returns a session that has walked navigation and chosen the Taipei parent region.
func (h *harness) selected(t *testing.T) *SessionState {
	t.Helper()
	ctx := context.Background()
	state, err := h.nav.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, h.nav.SelectPartition(ctx, state, "63000000"))
	return state
}

func (h *harness) answer(t *testing.T, state *SessionState) Answer {
	t.Helper()
	ctx := context.Background()
	ch, err := h.challenges.Fetch(ctx, state)
	require.NoError(t, err)
	ans, err := h.challenges.Solve(ctx, ch)
	require.NoError(t, err)
	return ans
}

func testCriteria() QueryCriteria {
	return QueryCriteria{
		PartitionCode: "63000010",
		ParentCode:    "63000000",
		StartDate:     ROCDate{Year: 114, Month: 9, Day: 1},
		EndDate:       ROCDate{Year: 114, Month: 11, Day: 30},
		RegisterKind:  RegisterKindInitial,
	}
}

func makeRows(n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{
			"address": fmt.Sprintf("臺北市松山區民生東路%d號", i+1),
			"date":    "114/10/01",
			"type":    "門牌初編",
		}
	}
	return rows
}
