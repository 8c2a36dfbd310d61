// Package restytransport implements portal.Transport using go-resty.
package restytransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/doorplate-crawler/internal/portal"
)

// Waiter paces requests before they are sent.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls client behavior.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Limiter   Waiter
}

// Transport issues portal requests through a resty client with its own cookie jar.
type Transport struct {
	client *resty.Client
	base   *url.URL
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
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(base.String(), "/"))
	client.SetCookieJar(jar)
	client.SetTimeout(cfg.Timeout)
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(base.Hostname()))
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.Limiter != nil {
		limiter := cfg.Limiter
		client.OnBeforeRequest(func(c *resty.Client, r *resty.Request) error {
			return limiter.Wait(r.Context(), c.BaseURL+r.URL)
		})
	}
	return &Transport{client: client, base: base}, nil
}

// Do executes a single buffered exchange. Non-2xx statuses are returned, not treated as errors.
func (t *Transport) Do(ctx context.Context, req portal.Request) (portal.Response, error) {
	r := t.client.R().SetContext(ctx)
	for key, values := range req.Header {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		if strings.EqualFold(key, "Referer") && strings.HasPrefix(v, "/") {
			v = t.base.ResolveReference(&url.URL{Path: v}).String()
		}
		r.SetHeader(key, v)
	}
	if len(req.Query) > 0 {
		r.SetQueryParamsFromValues(req.Query)
	}
	if req.Method != http.MethodGet && req.Form != nil {
		r.SetFormDataFromValues(req.Form)
	}
	res, err := r.Execute(req.Method, req.Path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return portal.Response{}, fmt.Errorf("resty request canceled: %w", ctxErr)
		}
		return portal.Response{}, fmt.Errorf("resty request failed: %w", err)
	}
	return portal.Response{
		StatusCode: res.StatusCode(),
		Header:     res.Header().Clone(),
		Body:       res.Body(),
	}, nil
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
