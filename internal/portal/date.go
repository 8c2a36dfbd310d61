package portal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// rocOffset is the difference between Gregorian and Republic of China era years.
const rocOffset = 1911

// DefaultDateSeparator joins ROC date components on the wire.
const DefaultDateSeparator = "-"

// ROCDate is a calendar date in the Republic of China era (Gregorian year minus 1911).
type ROCDate struct {
	Year  int
	Month int
	Day   int
}

// ParseROCDate accepts YYY-MM-DD or YYY/MM/DD.
func ParseROCDate(s string) (ROCDate, error) {
	raw := strings.TrimSpace(s)
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == '-' || r == '/' })
	if len(parts) != 3 {
		return ROCDate{}, fmt.Errorf("parse roc date %q: want three components", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return ROCDate{}, fmt.Errorf("parse roc date %q: %w", s, err)
		}
		nums[i] = n
	}
	d := ROCDate{Year: nums[0], Month: nums[1], Day: nums[2]}
	if err := d.Validate(); err != nil {
		return ROCDate{}, err
	}
	return d, nil
}

// FromTime converts a Gregorian time to its ROC date.
func FromTime(t time.Time) ROCDate {
	return ROCDate{Year: t.Year() - rocOffset, Month: int(t.Month()), Day: t.Day()}
}

// Time returns midnight UTC of the date in the Gregorian calendar.
func (d ROCDate) Time() time.Time {
	return time.Date(d.Year+rocOffset, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
}

// IsZero reports whether the date is unset.
func (d ROCDate) IsZero() bool {
	return d == ROCDate{}
}

// Validate rejects out-of-range or non-existent calendar dates.
func (d ROCDate) Validate() error {
	if d.Year < 1 || d.Year > 999 {
		return fmt.Errorf("roc year %d out of range", d.Year)
	}
	if d.Month < 1 || d.Month > 12 {
		return fmt.Errorf("roc month %d out of range", d.Month)
	}
	t := d.Time()
	if t.Day() != d.Day || int(t.Month()) != d.Month {
		return fmt.Errorf("roc date %d/%d/%d does not exist", d.Year, d.Month, d.Day)
	}
	return nil
}

// Before reports whether d is strictly earlier than other.
func (d ROCDate) Before(other ROCDate) bool {
	return d.Time().Before(other.Time())
}

// Format renders the date as YYY<sep>MM<sep>DD.
func (d ROCDate) Format(sep string) string {
	if sep == "" {
		sep = DefaultDateSeparator
	}
	return fmt.Sprintf("%03d%s%02d%s%02d", d.Year, sep, d.Month, sep, d.Day)
}

func (d ROCDate) String() string {
	return d.Format(DefaultDateSeparator)
}

// UnmarshalText implements encoding.TextUnmarshaler for config and JSON input.
func (d *ROCDate) UnmarshalText(text []byte) error {
	parsed, err := ParseROCDate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d ROCDate) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
