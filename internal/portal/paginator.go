package portal

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// DefaultMaxEmptyPages is how many consecutive empty pages end pagination early.
const DefaultMaxEmptyPages = 2

// PaginationDriver fetches pages 2..N using continuation tokens.
type PaginationDriver struct {
	query         *QuerySession
	maxEmptyPages int
	logger        *zap.Logger
}

// NewPaginationDriver builds a PaginationDriver on top of a QuerySession.
func NewPaginationDriver(query *QuerySession, maxEmptyPages int, logger *zap.Logger) *PaginationDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("paginator")
	if maxEmptyPages <= 0 {
		maxEmptyPages = DefaultMaxEmptyPages
	}
	return &PaginationDriver{query: query, maxEmptyPages: maxEmptyPages, logger: logger}
}

// NextPage redeems token for pageNumber. The token is consumed even if the request fails.
func (d *PaginationDriver) NextPage(
	ctx context.Context,
	state *SessionState,
	criteria QueryCriteria,
	token ContinuationToken,
	pageNumber int,
) (ResultPage, error) {
	if state == nil || !state.PartitionSelected() {
		return ResultPage{}, fmt.Errorf("next page: %w: no partition selected", ErrNotReady)
	}
	if pageNumber < 2 {
		return ResultPage{}, fmt.Errorf("next page: %w: page %d has no continuation", ErrInvalidContinuation, pageNumber)
	}
	if err := state.redeem(token, criteria, pageNumber); err != nil {
		return ResultPage{}, err
	}
	form := d.query.inquiryForm(state, criteria, pageNumber, "", token.challengeKey, token.value)
	page, err := d.query.exchange(ctx, state, criteria, pageNumber, form, &token)
	if err != nil {
		return ResultPage{}, err
	}
	if page.Outcome == OutcomeRejected {
		return ResultPage{}, &PaginationInconsistencyError{Page: pageNumber, Reason: "continuation rejected by portal"}
	}
	return page, nil
}

// Drain walks the pages after first and hands each one to emit.
// It stops when the page number exceeds the latest reported total. It returns
// the number of pages fetched; rows already emitted stay valid when an error is returned.
func (d *PaginationDriver) Drain(
	ctx context.Context,
	state *SessionState,
	criteria QueryCriteria,
	first ResultPage,
	emit func(ResultPage) error,
) (int, error) {
	total := first.TotalPages
	token := first.Continuation
	empty := 0
	if len(first.Rows) == 0 {
		empty = 1
	}
	fetched := 0
	for next := 2; next <= total; next++ {
		if err := ctx.Err(); err != nil {
			return fetched, fmt.Errorf("drain canceled before page %d: %w", next, err)
		}
		if token == nil || !state.HasContinuation() {
			return fetched, &PaginationInconsistencyError{Page: next, Reason: "no continuation token for remaining pages"}
		}
		page, err := d.NextPage(ctx, state, criteria, *token, next)
		if err != nil {
			return fetched, fmt.Errorf("fetch page %d: %w", next, err)
		}
		fetched++
		if err := emit(page); err != nil {
			return fetched, fmt.Errorf("emit page %d: %w", next, err)
		}
		if page.TotalPages > 0 {
			total = page.TotalPages
		}
		if len(page.Rows) == 0 {
			empty++
		} else {
			empty = 0
		}
		if empty >= d.maxEmptyPages && next < total {
			d.logger.Warn("pagination stalled",
				zap.String("partition", criteria.PartitionCode),
				zap.Int("page", next),
				zap.Int("total_pages", total),
			)
			return fetched, &PaginationInconsistencyError{
				Page:   next,
				Reason: fmt.Sprintf("%d consecutive empty pages with %d reported", empty, total),
			}
		}
		token = page.Continuation
	}
	return fetched, nil
}
