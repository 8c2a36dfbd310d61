package portal

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/doorplate-crawler/internal/logging"
)

// RegisterKind filters inquiries by doorplate registration event.
type RegisterKind string

// Registration events accepted by the date inquiry.
const (
	RegisterKindAll        RegisterKind = "0"
	RegisterKindInitial    RegisterKind = "1"
	RegisterKindRenumber   RegisterKind = "2"
	RegisterKindAddition   RegisterKind = "3"
	RegisterKindMerge      RegisterKind = "4"
	RegisterKindAbolish    RegisterKind = "5"
	RegisterKindAreaAdjust RegisterKind = "6"
	RegisterKindReorganize RegisterKind = "7"
)

// Valid reports whether k is one of the known event codes.
func (k RegisterKind) Valid() bool {
	return len(k) == 1 && k[0] >= '0' && k[0] <= '7'
}

// Record is one result row. Field names are whatever the portal returns.
type Record = map[string]any

// QueryCriteria selects the records of one partition.
type QueryCriteria struct {
	PartitionCode  string
	ParentCode     string
	StartDate      ROCDate
	EndDate        ROCDate
	RegisterKind   RegisterKind
	Village        string
	Neighbor       string
	IncludeUndated bool
}

// Validate checks the criteria before anything is sent to the portal.
func (c QueryCriteria) Validate() error {
	if strings.TrimSpace(c.PartitionCode) == "" {
		return fmt.Errorf("%w: partition code required", ErrInvalidCriteria)
	}
	if strings.TrimSpace(c.ParentCode) == "" {
		return fmt.Errorf("%w: parent code required", ErrInvalidCriteria)
	}
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return fmt.Errorf("%w: start and end dates required", ErrInvalidCriteria)
	}
	if err := c.StartDate.Validate(); err != nil {
		return fmt.Errorf("%w: start date: %w", ErrInvalidCriteria, err)
	}
	if err := c.EndDate.Validate(); err != nil {
		return fmt.Errorf("%w: end date: %w", ErrInvalidCriteria, err)
	}
	if c.EndDate.Before(c.StartDate) {
		return fmt.Errorf("%w: end date %s before start date %s", ErrInvalidCriteria, c.EndDate, c.StartDate)
	}
	if !c.RegisterKind.Valid() {
		return fmt.Errorf("%w: unknown register kind %q", ErrInvalidCriteria, c.RegisterKind)
	}
	return nil
}

// Challenge is a fetched captcha image bound to the key it was issued under.
type Challenge struct {
	Key       string
	Image     []byte
	FetchedAt time.Time
	seq       uint64
}

// Answer is a solver's reading of a Challenge. It is only valid for that challenge.
type Answer struct {
	Text string
	Key  string
	seq  uint64
}

// ContinuationToken authorizes the fetch of the next page of one query.
// It is bound to the session, criteria and page it was issued for and can be redeemed once.
type ContinuationToken struct {
	value        string
	challengeKey string
	sessionID    string
	criteria     QueryCriteria
	nextPage     int
}

// NextPage is the page number the token may be redeemed for.
func (t ContinuationToken) NextPage() int { return t.nextPage }

// SessionID is the session the token was issued to.
func (t ContinuationToken) SessionID() string { return t.sessionID }

func (t ContinuationToken) String() string {
	return fmt.Sprintf("continuation(page=%d, value=%s)", t.nextPage, logging.Mask(t.value))
}

// Outcome tags a decoded inquiry response.
type Outcome int

// Decoded response kinds.
const (
	// OutcomeSucceeded carries rows without a nested control object.
	OutcomeSucceeded Outcome = iota
	// OutcomeAccepted carries a nested control object with a continuation token.
	OutcomeAccepted
	// OutcomeRejected means the answer was refused; the challenge key has rotated.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ResultPage is one decoded inquiry response.
type ResultPage struct {
	Outcome      Outcome
	Page         int
	Rows         []Record
	RecordCount  int
	TotalPages   int
	Continuation *ContinuationToken
	// Rejection is set when Outcome is OutcomeRejected.
	Rejection *CaptchaRejectedError
	// Message holds any diagnostic text the portal attached.
	Message string
}

// SessionState is the per-session mutable protocol state. It must not be shared across goroutines.
type SessionState struct {
	ID           string
	CSRFToken    string
	ChallengeKey string
	ParentCode   string
	Initialized  bool
	CreatedAt    time.Time

	transport    Transport
	challengeSeq uint64
	continuation *ContinuationToken
}

// PartitionSelected reports whether the session holds a challenge key for a parent region.
func (s *SessionState) PartitionSelected() bool {
	return s.Initialized && s.ChallengeKey != ""
}

// HasContinuation reports whether an unredeemed continuation token is armed.
func (s *SessionState) HasContinuation() bool {
	return s.continuation != nil
}

func (s *SessionState) rotateCSRF(token string) {
	if token != "" {
		s.CSRFToken = token
	}
}

// rotateChallenge installs a key and invalidates every outstanding answer.
func (s *SessionState) rotateChallenge(key string) {
	if key != "" {
		s.ChallengeKey = key
	}
	s.challengeSeq++
}

func (s *SessionState) arm(token ContinuationToken) {
	s.continuation = &token
}

func (s *SessionState) disarm() {
	s.continuation = nil
}

// redeem checks token against the armed continuation and consumes it.
func (s *SessionState) redeem(token ContinuationToken, criteria QueryCriteria, page int) error {
	switch {
	case token.sessionID != s.ID:
		return fmt.Errorf("%w: issued to another session", ErrInvalidContinuation)
	case token.criteria != criteria:
		return fmt.Errorf("%w: issued for different criteria", ErrInvalidContinuation)
	case token.nextPage != page:
		return fmt.Errorf("%w: issued for page %d, not %d", ErrInvalidContinuation, token.nextPage, page)
	case s.continuation == nil || *s.continuation != token:
		return fmt.Errorf("%w: not armed or already redeemed", ErrInvalidContinuation)
	}
	s.disarm()
	return nil
}

// Request is one portal exchange issued through a Transport.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
	Header http.Header
}

// Response is the buffered result of a Request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
