package portal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/doorplate-crawler/internal/metrics"
)

// Portal paths. All are relative to the configured base URL.
const (
	PathMain    = "/info-doorplate/app/doorplate/main"
	PathMap     = "/info-doorplate/app/doorplate/map"
	PathQuery   = "/info-doorplate/app/doorplate/query"
	PathInquiry = "/info-doorplate/app/doorplate/inquiry/date"
	PathCaptcha = "/info-doorplate/captcha/image"
)

// exchanger issues requests through a session transport, retrying idempotent ones.
type exchanger struct {
	retry  RetryPolicy
	logger *zap.Logger
}

// do returns a TransportError for network failures and non-2xx statuses.
func (x exchanger) do(ctx context.Context, t Transport, step string, req Request) (Response, error) {
	attempt := 0
	for {
		attempt++
		resp, err := x.once(ctx, t, step, req)
		if err == nil {
			return resp, nil
		}
		if req.Method != http.MethodGet || x.retry == nil || !x.retry.ShouldRetry(err, attempt) {
			return resp, err
		}
		delay := x.retry.Backoff(attempt)
		x.logger.Debug("retrying portal request",
			zap.String("step", step),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{}, fmt.Errorf("%s: %w", step, ctx.Err())
		case <-timer.C:
		}
	}
}

func (x exchanger) once(ctx context.Context, t Transport, step string, req Request) (Response, error) {
	start := time.Now()
	resp, err := t.Do(ctx, req)
	if err != nil {
		metrics.ObservePortalRequest(step, 0, time.Since(start))
		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("%s: %w", step, ctx.Err())
		}
		return Response{}, &TransportError{Op: step, Err: err}
	}
	metrics.ObservePortalRequest(step, resp.StatusCode, time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, &TransportError{Op: step, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
