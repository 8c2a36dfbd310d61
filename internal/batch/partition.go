package batch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/doorplate-crawler/internal/metrics"
	"github.com/JakeFAU/doorplate-crawler/internal/portal"
	"github.com/JakeFAU/doorplate-crawler/internal/sink"
)

// partitionRun drives one partition through the protocol. It is used by a single goroutine.
type partitionRun struct {
	batchID     string
	criteria    portal.QueryCriteria
	nav         *portal.Navigator
	challenges  *portal.ChallengeManager
	query       *portal.QuerySession
	pages       *portal.PaginationDriver
	sink        sink.Sink
	clock       portal.Clock
	maxAttempts int
	logger      *zap.Logger

	m         *machine
	attempts  int
	rows      []portal.Record
	pageCount int
}

// execute returns a non-nil note when pagination stopped early but the rows gathered are kept,
// and a non-nil error when the partition failed.
func (r *partitionRun) execute(ctx context.Context) (*portal.PaginationInconsistencyError, error) {
	var (
		state     *portal.SessionState
		rejection *portal.CaptchaRejectedError
		challenge portal.Challenge
		lastErr   error
	)
	for r.attempts < r.maxAttempts {
		if state == nil {
			s, err := r.navigate(ctx)
			if err != nil {
				return nil, r.fail(err)
			}
			state, rejection = s, nil
		}

		ch, err := r.challenges.Refresh(ctx, state, rejection)
		if err != nil {
			return nil, r.fail(err)
		}
		challenge = ch
		if err := r.m.to(StateChallengeReady); err != nil {
			return nil, r.fail(err)
		}

		r.attempts++
		if err := r.m.to(StateSolveAttempt); err != nil {
			return nil, r.fail(err)
		}
		attemptLog := r.logger.With(zap.Int("attempt", r.attempts))

		answer, err := r.challenges.Solve(ctx, challenge)
		if err != nil {
			if ctx.Err() != nil {
				return nil, r.fail(err)
			}
			// An unusable reading costs the attempt; the next one solves a fresh image.
			result := "solver_error"
			if errors.Is(err, portal.ErrLowConfidence) {
				result = "low_confidence"
			}
			metrics.ObserveChallenge(result)
			attemptLog.Debug("no usable answer", zap.Error(err))
			lastErr, rejection = err, nil
			if err := r.m.to(StateChallengeReady); err != nil {
				return nil, r.fail(err)
			}
			continue
		}

		first, err := r.query.Submit(ctx, state, r.criteria, answer)
		if renavigate(err) {
			result := "session_expired"
			if !errors.Is(err, portal.ErrSessionExpired) {
				result = "transport_error"
			}
			metrics.ObserveChallenge(result)
			attemptLog.Info("inquiry failed, navigating again", zap.Error(err))
			lastErr, state = err, nil
			if err := r.m.to(StateInit); err != nil {
				return nil, r.fail(err)
			}
			continue
		}
		if err != nil {
			return nil, r.fail(err)
		}
		if first.Outcome == portal.OutcomeRejected {
			metrics.ObserveChallenge("rejected")
			attemptLog.Info("captcha rejected", zap.String("message", first.Message))
			rejection, lastErr = first.Rejection, first.Rejection
			if err := r.m.to(StateRejected); err != nil {
				return nil, r.fail(err)
			}
			continue
		}

		metrics.ObserveChallenge("accepted")
		if err := r.m.to(StateAccepted); err != nil {
			return nil, r.fail(err)
		}
		attemptLog.Debug("inquiry accepted",
			zap.Int("records", first.RecordCount),
			zap.Int("total_pages", first.TotalPages),
		)
		return r.paginate(ctx, state, first)
	}

	return nil, r.fail(&portal.PartitionFailure{
		Partition: r.criteria.PartitionCode,
		Attempts:  r.attempts,
		Err:       lastErr,
	})
}

// renavigate reports whether a failed inquiry can be retried on a new session.
func renavigate(err error) bool {
	if errors.Is(err, portal.ErrSessionExpired) {
		return true
	}
	var te *portal.TransportError
	return errors.As(err, &te) && te.Retryable()
}

func (r *partitionRun) navigate(ctx context.Context) (*portal.SessionState, error) {
	state, err := r.nav.Initialize(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize session: %w", err)
	}
	if err := r.m.to(StateNavigated); err != nil {
		return nil, err
	}
	if err := r.nav.SelectPartition(ctx, state, r.criteria.ParentCode); err != nil {
		return nil, fmt.Errorf("select partition: %w", err)
	}
	if err := r.m.to(StatePartitionSelected); err != nil {
		return nil, err
	}
	return state, nil
}

func (r *partitionRun) paginate(
	ctx context.Context,
	state *portal.SessionState,
	first portal.ResultPage,
) (*portal.PaginationInconsistencyError, error) {
	r.record(ctx, first)
	if first.TotalPages > 1 {
		if err := r.m.to(StatePaginating); err != nil {
			return nil, r.fail(err)
		}
	}
	_, err := r.pages.Drain(ctx, state, r.criteria, first, func(page portal.ResultPage) error {
		r.record(ctx, page)
		return nil
	})
	var inconsistent *portal.PaginationInconsistencyError
	switch {
	case errors.As(err, &inconsistent):
		r.logger.Warn("pagination stopped early, keeping gathered rows",
			zap.Int("page", inconsistent.Page),
			zap.Int("rows", len(r.rows)),
			zap.Error(err),
		)
		if err := r.m.to(StateDone); err != nil {
			return nil, r.fail(err)
		}
		return inconsistent, nil
	case err != nil:
		return nil, r.fail(fmt.Errorf("paginate: %w", err))
	}
	if err := r.m.to(StateDone); err != nil {
		return nil, r.fail(err)
	}
	return nil, nil
}

// record accumulates a page and forwards it to the sink.
func (r *partitionRun) record(ctx context.Context, page portal.ResultPage) {
	r.pageCount++
	r.rows = append(r.rows, page.Rows...)
	if len(page.Rows) == 0 {
		return
	}
	err := r.sink.WritePage(ctx, sink.Page{
		BatchID:   r.batchID,
		Partition: r.criteria.PartitionCode,
		Page:      page.Page,
		Rows:      page.Rows,
		FetchedAt: r.clock.Now(),
	})
	if err != nil {
		metrics.ObserveSinkError("write_page")
		r.logger.Warn("sink write page failed", zap.Int("page", page.Page), zap.Error(err))
	}
}

func (r *partitionRun) fail(err error) error {
	if !r.m.state.Terminal() {
		_ = r.m.to(StateFailed)
	}
	return err
}
