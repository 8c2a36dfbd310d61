package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/doorplate-crawler/internal/logging"
)

// DefaultPageSize is the number of rows requested per page.
const DefaultPageSize = 50

// QueryConfig controls how inquiry forms are rendered.
type QueryConfig struct {
	PageSize      int
	DateSeparator string
}

// QuerySession submits inquiries and decodes their responses.
type QuerySession struct {
	clock  Clock
	cfg    QueryConfig
	x      exchanger
	logger *zap.Logger
}

// NewQuerySession builds a QuerySession. Inquiry POSTs are never retried.
func NewQuerySession(clock Clock, cfg QueryConfig, logger *zap.Logger) *QuerySession {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("query")
	if clock == nil {
		clock = systemClock{}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.DateSeparator == "" {
		cfg.DateSeparator = DefaultDateSeparator
	}
	return &QuerySession{
		clock:  clock,
		cfg:    cfg,
		x:      exchanger{logger: logger},
		logger: logger,
	}
}

// Submit sends the first-page inquiry with a solved answer.
// A rejection is returned as a page with OutcomeRejected and the session already holds the new key.
func (q *QuerySession) Submit(
	ctx context.Context,
	state *SessionState,
	criteria QueryCriteria,
	answer Answer,
) (ResultPage, error) {
	if err := criteria.Validate(); err != nil {
		return ResultPage{}, err
	}
	if state == nil || !state.PartitionSelected() {
		return ResultPage{}, fmt.Errorf("submit inquiry: %w: no partition selected", ErrNotReady)
	}
	if answer.Key != state.ChallengeKey || answer.seq != state.challengeSeq {
		return ResultPage{}, ErrStaleAnswer
	}
	form := q.inquiryForm(state, criteria, 1, answer.Text, state.ChallengeKey, "")
	// The answer is spent whatever the portal says.
	state.rotateChallenge("")
	state.disarm()
	return q.exchange(ctx, state, criteria, 1, form, nil)
}

// inquiryForm renders the date inquiry fields in the portal's expected shape.
func (q *QuerySession) inquiryForm(
	state *SessionState,
	criteria QueryCriteria,
	page int,
	answerText string,
	challengeKey string,
	continuation string,
) url.Values {
	form := url.Values{}
	form.Set("_csrf", state.CSRFToken)
	form.Set("searchType", searchTypeDate)
	form.Set("cityCode", criteria.ParentCode)
	form.Set("areaCode", criteria.PartitionCode)
	form.Set("village", criteria.Village)
	form.Set("neighbor", criteria.Neighbor)
	form.Set("sDate", criteria.StartDate.Format(q.cfg.DateSeparator))
	form.Set("eDate", criteria.EndDate.Format(q.cfg.DateSeparator))
	form.Set("_includeNoDate", "on")
	if criteria.IncludeUndated {
		form.Set("includeNoDate", "true")
	}
	form.Set("registerKind", string(criteria.RegisterKind))
	for _, empty := range []string{"floor", "lane", "alley", "number", "number1", "ext"} {
		form.Set(empty, "")
	}
	form.Set("captchaInput", answerText)
	form.Set("captchaKey", challengeKey)
	form.Set("tkt", noToken)
	if continuation != "" {
		form.Set("token", continuation)
	}
	form.Set("_search", "false")
	form.Set("nd", strconv.FormatInt(q.clock.Now().UnixMilli(), 10))
	form.Set("rows", strconv.Itoa(q.cfg.PageSize))
	form.Set("page", strconv.Itoa(page))
	form.Set("sidx", "")
	form.Set("sord", "asc")
	return form
}

// exchange posts an inquiry form, decodes the reply and updates the session.
// prior is the token redeemed for this page, re-armed when the portal does not rotate it.
func (q *QuerySession) exchange(
	ctx context.Context,
	state *SessionState,
	criteria QueryCriteria,
	page int,
	form url.Values,
	prior *ContinuationToken,
) (ResultPage, error) {
	header := refererHeader(PathQuery)
	header.Set("X-Requested-With", "XMLHttpRequest")
	header.Set("X-CSRF-TOKEN", state.CSRFToken)
	header.Set("Accept", "application/json, text/javascript, */*; q=0.01")

	resp, err := q.x.do(ctx, state.transport, "inquiry", Request{
		Method: http.MethodPost,
		Path:   PathInquiry,
		Form:   form,
		Header: header,
	})
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) && (te.StatusCode == http.StatusForbidden || te.StatusCode == 419) {
			return ResultPage{}, fmt.Errorf("%w: inquiry status %d", ErrSessionExpired, te.StatusCode)
		}
		return ResultPage{}, err
	}
	d, err := decodeEnvelope(resp.Body)
	if err != nil {
		// The portal answers an expired session with its HTML landing page.
		return ResultPage{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	result := ResultPage{
		Outcome:     d.Outcome,
		Page:        page,
		Rows:        d.Rows,
		RecordCount: d.RecordCount,
		TotalPages:  d.TotalPages,
		Message:     d.Message,
	}
	if d.Page > 0 {
		result.Page = d.Page
	}

	if d.Outcome == OutcomeRejected {
		if d.ChallengeKey == "" || d.ChallengeKey == state.ChallengeKey {
			return ResultPage{}, fmt.Errorf("%w: rejection without a fresh challenge key", ErrSessionExpired)
		}
		state.rotateChallenge(d.ChallengeKey)
		state.disarm()
		result.Rows = []Record{}
		result.Rejection = &CaptchaRejectedError{ChallengeKey: d.ChallengeKey, Message: d.Message}
		q.logger.Debug("inquiry rejected",
			zap.String("session_id", state.ID),
			zap.String("partition", criteria.PartitionCode),
			logging.Secret("challenge_key", d.ChallengeKey),
			zap.String("message", d.Message),
		)
		return result, nil
	}

	if d.ChallengeKey != "" && d.ChallengeKey != state.ChallengeKey {
		state.rotateChallenge(d.ChallengeKey)
	}
	if result.TotalPages <= 0 && result.RecordCount > 0 {
		result.TotalPages = (result.RecordCount + q.cfg.PageSize - 1) / q.cfg.PageSize
	}

	value := d.Continuation
	if value == "" && prior != nil {
		value = prior.value
	}
	if value != "" {
		token := ContinuationToken{
			value:        value,
			challengeKey: state.ChallengeKey,
			sessionID:    state.ID,
			criteria:     criteria,
			nextPage:     page + 1,
		}
		state.arm(token)
		result.Continuation = &token
	} else {
		state.disarm()
	}

	q.logger.Debug("inquiry page decoded",
		zap.String("session_id", state.ID),
		zap.String("partition", criteria.PartitionCode),
		zap.Int("page", result.Page),
		zap.Int("rows", len(result.Rows)),
		zap.Int("records", result.RecordCount),
		zap.Int("total_pages", result.TotalPages),
		zap.Stringer("outcome", result.Outcome),
	)
	return result, nil
}
