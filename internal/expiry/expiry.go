// Package expiry computes billing period ends.
package expiry

import (
	"fmt"
	"time"

	"petanque-manager.app/cloud/models"
)

// PassDays is how long a one-time pass stays valid.
const PassDays = 7

// PeriodEnd returns the end of the billing period that starts at from.
// Monthly and yearly periods keep the day of month, clamped to the length of
// the target month, so Jan 31 + 1 month is Feb 28/29 and Feb 29 + 1 year is
// Feb 28. The location of from is preserved.
func PeriodEnd(cadence models.Cadence, from time.Time) (time.Time, error) {
	switch cadence {
	case models.CadencePass:
		return from.AddDate(0, 0, PassDays), nil
	case models.CadenceMonthly:
		return addMonthsClamped(from, 1), nil
	case models.CadenceYearly:
		return addMonthsClamped(from, 12), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported billing period %q", cadence)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	// Day 1 never overflows, so this lands in the intended month.
	first := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
