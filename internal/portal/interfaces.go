package portal

import (
	"context"
	"time"
)

// Transport performs buffered HTTP exchanges against the portal.
// Each Transport owns one cookie jar; a session uses exactly one Transport.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// TransportFactory builds a Transport with a fresh cookie jar.
type TransportFactory func() (Transport, error)

// Solver converts a challenge image into candidate text.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Clock supplies the current time for nonces.
type Clock interface {
	Now() time.Time
}

// RetryPolicy decides whether a failed idempotent request should be repeated.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
