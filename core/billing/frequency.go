package billing

import (
	"errors"
	"fmt"
	"time"
)

// Recognized rebill frequencies, as stored on sale records.
const (
	FreqDaily    = "daily"
	FreqWeekly   = "weekly"
	FreqMonthly  = "monthly"
	FreqAnnually = "annually"
)

var ErrUnknownFrequency = errors.New("unknown rebill frequency")

// NextPayableDate returns the next debit date for a subscription billed
// now: one unit of freq ahead, anchored at 11:00 local time.  time.Date
// normalizes the day/month/year overflow (so monthly billing on Jan 31
// lands on Mar 2/3, matching how the platform has always behaved).
//
// An unrecognized frequency is an error, never a guessed period.
func NextPayableDate(freq string, now time.Time) (time.Time, error) {
	year, month, day := now.Date()
	loc := now.Location()
	switch freq {
	case FreqDaily:
		return time.Date(year, month, day+1, 11, 0, 0, 0, loc), nil
	case FreqWeekly:
		return time.Date(year, month, day+7, 11, 0, 0, 0, loc), nil
	case FreqMonthly:
		return time.Date(year, month+1, day, 11, 0, 0, 0, loc), nil
	case FreqAnnually:
		return time.Date(year+1, month, day, 11, 0, 0, 0, loc), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownFrequency, freq)
}
