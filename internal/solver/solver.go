// Package solver provides implementations of portal.Solver.
package solver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrUnsolved marks a solver service reply without a usable reading.
var ErrUnsolved = errors.New("captcha not solved")

// Func adapts a function to the portal.Solver interface.
type Func func(ctx context.Context, image []byte) (string, error)

// Solve calls f.
func (f Func) Solve(ctx context.Context, image []byte) (string, error) {
	return f(ctx, image)
}

// Fixed always answers with the same text. Useful against fakes and for dry runs.
type Fixed string

// Solve returns the fixed text.
func (f Fixed) Solve(context.Context, []byte) (string, error) {
	return string(f), nil
}

// HTTPConfig configures an image-to-text solving service.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTP submits images to a remote OCR service speaking the common
// {key, method:"base64", body} request and {status, request, error} reply shape.
type HTTP struct {
	client *resty.Client
	cfg    HTTPConfig
	logger *zap.Logger
}

type solveRequest struct {
	Key    string `json:"key"`
	Method string `json:"method"`
	Body   string `json:"body"`
	JSON   string `json:"json"`
}

type solveResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
	Error   string `json:"error"`
}

// NewHTTP builds an HTTP solver.
func NewHTTP(cfg HTTPConfig, logger *zap.Logger) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("solver endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Accept", "application/json")
	return &HTTP{client: client, cfg: cfg, logger: logger}, nil
}

// Solve posts the image and returns the service's reading.
func (h *HTTP) Solve(ctx context.Context, image []byte) (string, error) {
	var out solveResponse
	res, err := h.client.R().
		SetContext(ctx).
		SetBody(solveRequest{
			Key:    h.cfg.APIKey,
			Method: "base64",
			Body:   base64.StdEncoding.EncodeToString(image),
			JSON:   "1",
		}).
		SetResult(&out).
		Post(h.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("call solver: %w", err)
	}
	if res.IsError() {
		return "", fmt.Errorf("call solver: unexpected status %d", res.StatusCode())
	}
	if out.Status != 1 || out.Request == "" {
		h.logger.Debug("solver returned no reading", zap.Int("status", out.Status), zap.String("error", out.Error))
		if out.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrUnsolved, out.Error)
		}
		return "", ErrUnsolved
	}
	return out.Request, nil
}
