// Package portal speaks the household-registration portal's date inquiry protocol.
//
// A crawl of one partition walks a fixed sequence:
//
//	Navigator.Initialize      GET the main page, capture cookies and the CSRF token
//	Navigator.SelectPartition POST the map selection for the district
//	ChallengeManager.Fetch    download the image challenge bound to the session
//	ChallengeManager.Solve    ask the Solver for an answer and check its confidence
//	QuerySession.Submit       POST the inquiry for page one
//	PaginationDriver.Drain    follow continuation tokens until the result set ends
//
// SessionState is owned by a single partition worker and is never shared.
// Continuation tokens are single use; redeeming one twice fails.
package portal
