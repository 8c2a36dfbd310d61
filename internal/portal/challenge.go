package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrChallengeImage marks a captcha image that is missing or implausibly small.
var ErrChallengeImage = errors.New("challenge image unusable")

// ChallengeConfig bounds what counts as a usable image and a confident answer.
type ChallengeConfig struct {
	AnswerLength  int
	MinImageBytes int
}

// ChallengeManager fetches, solves and rotates captcha challenges.
type ChallengeManager struct {
	solver Solver
	clock  Clock
	cfg    ChallengeConfig
	x      exchanger
	logger *zap.Logger
}

// NewChallengeManager builds a ChallengeManager.
func NewChallengeManager(
	solver Solver,
	clock Clock,
	retry RetryPolicy,
	cfg ChallengeConfig,
	logger *zap.Logger,
) *ChallengeManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("challenge")
	if clock == nil {
		clock = systemClock{}
	}
	if cfg.AnswerLength <= 0 {
		cfg.AnswerLength = 5
	}
	return &ChallengeManager{
		solver: solver,
		clock:  clock,
		cfg:    cfg,
		x:      exchanger{retry: retry, logger: logger},
		logger: logger,
	}
}

// Fetch downloads the image for the session's current challenge key.
// Any answer derived from an earlier fetch becomes stale.
func (m *ChallengeManager) Fetch(ctx context.Context, state *SessionState) (Challenge, error) {
	if state == nil || !state.PartitionSelected() {
		return Challenge{}, fmt.Errorf("fetch challenge: %w: no challenge key", ErrNotReady)
	}
	query := url.Values{}
	query.Set("CAPTCHA_KEY", state.ChallengeKey)
	query.Set("time", strconv.FormatInt(m.clock.Now().UnixMilli(), 10))
	resp, err := m.x.do(ctx, state.transport, "captcha", Request{
		Method: http.MethodGet,
		Path:   PathCaptcha,
		Query:  query,
		Header: refererHeader(PathQuery),
	})
	if err != nil {
		return Challenge{}, fmt.Errorf("fetch challenge: %w", err)
	}
	if len(resp.Body) == 0 || len(resp.Body) < m.cfg.MinImageBytes {
		return Challenge{}, fmt.Errorf("fetch challenge: %w: %d bytes", ErrChallengeImage, len(resp.Body))
	}
	state.rotateChallenge("")
	return Challenge{
		Key:       state.ChallengeKey,
		Image:     resp.Body,
		FetchedAt: m.clock.Now(),
		seq:       state.challengeSeq,
	}, nil
}

// Solve asks the solver for an answer and rejects readings of the wrong shape.
func (m *ChallengeManager) Solve(ctx context.Context, challenge Challenge) (Answer, error) {
	raw, err := m.solver.Solve(ctx, challenge.Image)
	if err != nil {
		return Answer{}, fmt.Errorf("solve challenge: %w", err)
	}
	text := strings.ToLower(strings.TrimSpace(raw))
	if n := len([]rune(text)); n != m.cfg.AnswerLength {
		return Answer{}, fmt.Errorf("%w: got %d characters, want %d", ErrLowConfidence, n, m.cfg.AnswerLength)
	}
	for _, r := range text {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return Answer{}, fmt.Errorf("%w: unexpected character %q", ErrLowConfidence, r)
		}
	}
	return Answer{Text: text, Key: challenge.Key, seq: challenge.seq}, nil
}

// Refresh installs the key carried by a rejection, if any, and fetches a new image.
func (m *ChallengeManager) Refresh(
	ctx context.Context,
	state *SessionState,
	rejection *CaptchaRejectedError,
) (Challenge, error) {
	if state != nil && rejection != nil && rejection.ChallengeKey != "" && rejection.ChallengeKey != state.ChallengeKey {
		state.rotateChallenge(rejection.ChallengeKey)
	}
	return m.Fetch(ctx, state)
}
