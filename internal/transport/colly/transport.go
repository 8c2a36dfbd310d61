// Package collytransport implements portal.Transport using gocolly.
package collytransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/doorplate-crawler/internal/portal"
)

// Waiter paces requests before they are sent.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Limiter   Waiter
}

// Transport issues portal requests through a Colly collector with its own cookie jar.
type Transport struct {
	cfg           Config
	base          *url.URL
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type outcome struct {
	resp portal.Response
	err  error
}

// NewFactory validates cfg and returns a factory producing one Transport per session.
func NewFactory(cfg Config) (portal.TransportFactory, error) {
	if _, err := parseBase(cfg.BaseURL); err != nil {
		return nil, err
	}
	return func() (portal.Transport, error) {
		return New(cfg)
	}, nil
}

// New builds a Transport with a fresh cookie jar.
func New(cfg Config) (*Transport, error) {
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	c := colly.NewCollector(colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetCookieJar(jar)
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Transport{cfg: cfg, base: base, baseCollector: c}, nil
}

// Do executes a single buffered exchange. Non-2xx statuses are returned, not treated as errors.
func (t *Transport) Do(ctx context.Context, req portal.Request) (portal.Response, error) {
	target := t.resolve(req.Path, req.Query)
	if t.cfg.Limiter != nil {
		if err := t.cfg.Limiter.Wait(ctx, target); err != nil {
			return portal.Response{}, err
		}
	}

	header := t.headers(req)
	var body *strings.Reader
	if req.Method != http.MethodGet && req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
		header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}

	done := make(chan outcome, 1)
	collector := t.baseCollector.Clone()
	collector.ParseHTTPErrorResponse = true
	var result outcome
	configureCollectorHooks(collector, &result)
	go func() {
		var err error
		if body != nil {
			err = collector.Request(req.Method, target, body, nil, header)
		} else {
			err = collector.Request(req.Method, target, nil, nil, header)
		}
		if err != nil && result.err == nil {
			result.err = err
		}
		done <- result
	}()

	select {
	case <-ctx.Done():
		return portal.Response{}, fmt.Errorf("colly request canceled: %w", ctx.Err())
	case out := <-done:
		if out.err != nil && out.resp.StatusCode == 0 {
			return portal.Response{}, fmt.Errorf("colly request failed: %w", out.err)
		}
		return out.resp, nil
	}
}

func configureCollectorHooks(hooks collectorHooks, result *outcome) {
	hooks.OnResponse(func(r *colly.Response) {
		resp := portal.Response{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			resp.Header = r.Headers.Clone()
		}
		result.resp = resp
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 && result.resp.StatusCode == 0 {
			result.resp = portal.Response{StatusCode: r.StatusCode, Body: append([]byte(nil), r.Body...)}
		}
		result.err = err
	})
}

func (t *Transport) headers(req portal.Request) http.Header {
	header := http.Header{}
	for key, values := range req.Header {
		for _, v := range values {
			if strings.EqualFold(key, "Referer") && strings.HasPrefix(v, "/") {
				v = t.resolve(v, nil)
			}
			header.Add(key, v)
		}
	}
	if t.cfg.UserAgent != "" && header.Get("User-Agent") == "" {
		header.Set("User-Agent", t.cfg.UserAgent)
	}
	return header
}

func (t *Transport) resolve(path string, query url.Values) string {
	ref := &url.URL{Path: path}
	if len(query) > 0 {
		ref.RawQuery = query.Encode()
	}
	return t.base.ResolveReference(ref).String()
}

func parseBase(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("base url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", raw)
	}
	return u, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
