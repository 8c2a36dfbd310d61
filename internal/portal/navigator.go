package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/doorplate-crawler/internal/logging"
)

const searchTypeDate = "date"

// Navigator establishes sessions and selects the parent region.
type Navigator struct {
	newTransport TransportFactory
	clock        Clock
	x            exchanger
	logger       *zap.Logger
}

// NewNavigator builds a Navigator. A nil retry disables retries of idempotent steps.
func NewNavigator(factory TransportFactory, clock Clock, retry RetryPolicy, logger *zap.Logger) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("navigator")
	if clock == nil {
		clock = systemClock{}
	}
	return &Navigator{
		newTransport: factory,
		clock:        clock,
		x:            exchanger{retry: retry, logger: logger},
		logger:       logger,
	}
}

// Initialize opens a session with a fresh cookie jar and walks the landing and map pages.
func (n *Navigator) Initialize(ctx context.Context) (*SessionState, error) {
	t, err := n.newTransport()
	if err != nil {
		return nil, &NavigationError{Step: "transport", Err: err}
	}
	state := &SessionState{
		ID:        uuid.NewString(),
		CreatedAt: n.clock.Now(),
		transport: t,
	}

	landing, err := n.x.do(ctx, t, "main", Request{Method: http.MethodGet, Path: PathMain})
	if err != nil {
		return nil, &NavigationError{Step: "main", Err: err}
	}
	tokens, err := parseTokens(landing.Body)
	if err != nil {
		return nil, &NavigationError{Step: "main", Err: err}
	}
	if tokens.CSRF == "" {
		return nil, &NavigationError{Step: "main", Err: fmt.Errorf("%w: _csrf", ErrTokenMissing)}
	}
	state.rotateCSRF(tokens.CSRF)

	form := url.Values{}
	form.Set("_csrf", state.CSRFToken)
	form.Set("searchType", searchTypeDate)
	mapPage, err := n.x.do(ctx, t, "map", Request{
		Method: http.MethodPost,
		Path:   PathMap,
		Form:   form,
		Header: refererHeader(PathMain),
	})
	if err != nil {
		return nil, &NavigationError{Step: "map", Err: err}
	}
	tokens, err = parseTokens(mapPage.Body)
	if err != nil {
		return nil, &NavigationError{Step: "map", Err: err}
	}
	if tokens.CSRF == "" {
		return nil, &NavigationError{Step: "map", Err: fmt.Errorf("%w: _csrf", ErrTokenMissing)}
	}
	state.rotateCSRF(tokens.CSRF)
	state.Initialized = true

	n.logger.Debug("portal session initialized",
		zap.String("session_id", state.ID),
		logging.Secret("csrf", state.CSRFToken),
	)
	return state, nil
}

// SelectPartition picks the parent region and records the first challenge key.
func (n *Navigator) SelectPartition(ctx context.Context, state *SessionState, parentCode string) error {
	if state == nil || !state.Initialized {
		return &NavigationError{Step: "query", Err: fmt.Errorf("%w: session not initialized", ErrNotReady)}
	}
	form := url.Values{}
	form.Set("_csrf", state.CSRFToken)
	form.Set("searchType", searchTypeDate)
	form.Set("cityCode", parentCode)
	resp, err := n.x.do(ctx, state.transport, "query", Request{
		Method: http.MethodPost,
		Path:   PathQuery,
		Form:   form,
		Header: refererHeader(PathMap),
	})
	if err != nil {
		return &NavigationError{Step: "query", Err: err}
	}
	tokens, err := parseTokens(resp.Body)
	if err != nil {
		return &NavigationError{Step: "query", Err: err}
	}
	if tokens.CSRF == "" {
		return &NavigationError{Step: "query", Err: fmt.Errorf("%w: _csrf", ErrTokenMissing)}
	}
	if tokens.ChallengeKey == "" {
		return &NavigationError{Step: "query", Err: fmt.Errorf("%w: captcha key", ErrTokenMissing)}
	}
	state.rotateCSRF(tokens.CSRF)
	state.rotateChallenge(tokens.ChallengeKey)
	state.ParentCode = parentCode
	state.disarm()

	n.logger.Debug("parent region selected",
		zap.String("session_id", state.ID),
		zap.String("parent_code", parentCode),
		logging.Secret("challenge_key", state.ChallengeKey),
	)
	return nil
}

func refererHeader(path string) http.Header {
	h := http.Header{}
	h.Set("Referer", path)
	return h
}
