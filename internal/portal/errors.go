package portal

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrLowConfidence marks a solver answer that fails the length/charset check.
	ErrLowConfidence = errors.New("challenge answer below confidence threshold")
	// ErrSessionExpired marks a portal response indicating the session must be rebuilt.
	ErrSessionExpired = errors.New("portal session expired")
	// ErrInvalidContinuation marks a continuation token that is unknown, consumed or bound elsewhere.
	ErrInvalidContinuation = errors.New("invalid continuation token")
	// ErrStaleAnswer marks an answer whose challenge was rotated or already submitted.
	ErrStaleAnswer = errors.New("answer does not match the current challenge")
	// ErrTokenMissing marks a page that lacks an expected hidden token.
	ErrTokenMissing = errors.New("token missing from page")
	// ErrNotReady marks an operation issued against a session in the wrong phase.
	ErrNotReady = errors.New("session not ready")
	// ErrInvalidCriteria marks query criteria that fail validation.
	ErrInvalidCriteria = errors.New("invalid query criteria")
)

// NavigationError reports a failure while establishing or re-establishing a session.
type NavigationError struct {
	Step string
	Err  error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation failed at %s: %v", e.Step, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// CaptchaRejectedError reports a portal rejection of a submitted answer.
type CaptchaRejectedError struct {
	ChallengeKey string
	Message      string
}

func (e *CaptchaRejectedError) Error() string {
	if e.Message == "" {
		return "captcha rejected"
	}
	return fmt.Sprintf("captcha rejected: %s", e.Message)
}

// PaginationInconsistencyError reports pagination that cannot continue coherently.
// Rows gathered before the error remain valid.
type PaginationInconsistencyError struct {
	Page   int
	Reason string
}

func (e *PaginationInconsistencyError) Error() string {
	return fmt.Sprintf("pagination inconsistent at page %d: %s", e.Page, e.Reason)
}

// TransportError reports a network failure or an unexpected HTTP status.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request may succeed.
func (e *TransportError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// PartitionFailure wraps the final error of a partition that exhausted its attempts.
type PartitionFailure struct {
	Partition string
	Attempts  int
	Err       error
}

func (e *PartitionFailure) Error() string {
	return fmt.Sprintf("partition %s failed after %d attempts: %v", e.Partition, e.Attempts, e.Err)
}

func (e *PartitionFailure) Unwrap() error { return e.Err }
