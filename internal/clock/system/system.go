// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/doorplate-crawler/internal/portal"
)

// Taiwan is the portal's civil time zone. Taiwan observes no daylight saving time.
var Taiwan = time.FixedZone("CST", 8*60*60)

// Clock implements portal.Clock using time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Today returns the current civil date in Taiwan as an ROC date.
func (c Clock) Today() portal.ROCDate {
	return portal.FromTime(c.Now().In(Taiwan))
}

// DaysAgo returns the ROC date n days before Today.
func (c Clock) DaysAgo(n int) portal.ROCDate {
	return portal.FromTime(c.Now().In(Taiwan).AddDate(0, 0, -n))
}
