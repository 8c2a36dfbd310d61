package collytransport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/doorplate-crawler/internal/portal"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "SESSION", Value: "s1", Path: "/"})
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("SESSION")
		if err != nil {
			http.Error(w, "no session", http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(c.Value))
	})
	mux.HandleFunc("/form", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("X-Referer", r.Header.Get("Referer"))
		w.Header().Set("X-Agent", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(r.Method + ":" + r.PostForm.Get("_csrf") + ":" + r.URL.Query().Get("q")))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTransportKeepsCookiesWithinSession(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	tr, err := New(Config{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = tr.Do(ctx, portal.Request{Method: http.MethodGet, Path: "/login"})
	require.NoError(t, err)
	resp, err := tr.Do(ctx, portal.Request{Method: http.MethodGet, Path: "/whoami"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "s1", string(resp.Body))
}

func TestFactoryIsolatesCookieJars(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	factory, err := NewFactory(Config{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	first, err := factory()
	require.NoError(t, err)
	second, err := factory()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = first.Do(ctx, portal.Request{Method: http.MethodGet, Path: "/login"})
	require.NoError(t, err)
	resp, err := second.Do(ctx, portal.Request{Method: http.MethodGet, Path: "/whoami"})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTransportPostsFormWithHeaders(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	tr, err := New(Config{BaseURL: srv.URL, UserAgent: "doorplate-test", Timeout: time.Second})
	require.NoError(t, err)

	form := url.Values{"_csrf": {"tok"}}
	header := http.Header{"Referer": {"/info-doorplate/app/doorplate/main"}}
	resp, err := tr.Do(context.Background(), portal.Request{
		Method: http.MethodPost,
		Path:   "/form",
		Query:  url.Values{"q": {"1"}},
		Form:   form,
		Header: header,
	})
	require.NoError(t, err)
	require.Equal(t, "POST:tok:1", string(resp.Body))
	require.Equal(t, srv.URL+"/info-doorplate/app/doorplate/main", resp.Header.Get("X-Referer"))
	require.Equal(t, "doorplate-test", resp.Header.Get("X-Agent"))
}

func TestTransportWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	limiter := &stubWaiter{err: errors.New("limited")}
	tr, err := New(Config{BaseURL: srv.URL, Limiter: limiter})
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), portal.Request{Method: http.MethodGet, Path: "/login"})
	require.ErrorIs(t, err, limiter.err)
	require.Equal(t, srv.URL+"/login", limiter.seen)
}

func TestTransportHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})
	tr, err := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Do(ctx, portal.Request{Method: http.MethodGet, Path: "/slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRejectsRelativeBase(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: "/relative"})
	require.Error(t, err)
	_, err = NewFactory(Config{})
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	hooks := &stubHooks{}
	var result outcome
	configureCollectorHooks(hooks, &result)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
	})
	require.Equal(t, http.StatusCreated, result.resp.StatusCode)
	require.Equal(t, "ok", result.resp.Header.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, result.err, "boom")
}

type stubWaiter struct {
	err  error
	seen string
}

func (s *stubWaiter) Wait(_ context.Context, rawURL string) error {
	s.seen = rawURL
	return s.err
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
