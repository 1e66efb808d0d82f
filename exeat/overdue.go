/*
overdue.go - Overdue detection and the day-boundary debt calculator

CUTOFF:
  A student is on time until 23:59:59 of the expected return date, in
  the campus timezone. Every started 24-hour period after that is one
  penalty unit.

    return date 2024-01-10, cutoff 2024-01-10 23:59:59
    now 2024-01-10 23:59:59  → 0 days
    now 2024-01-11 00:00:00  → 1 day
    now 2024-01-13 00:00:01  → 3 days

STEPPING:
  Days are counted by moving the cutoff forward in 24-hour steps until
  it reaches now, not by dividing durations. Volumes are small and the
  stepped form keeps the count tied to the anchored cutoff instant.

All functions here are pure; callers pass now and the location.
*/
package exeat

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// penaltyPeriod is one overdue unit.
const penaltyPeriod = 24 * time.Hour

// notOverdueStatuses are skipped by the expiry predicate: the student is
// off campus (handled by the overdue monitor) or the request is closed.
var notOverdueStatuses = map[Status]bool{
	StatusSecuritySignin: true,
	StatusHostelSignin:   true,
	StatusCompleted:      true,
	StatusRejected:       true,
	StatusCancelled:      true,
}

// IsOverdue reports whether the expiry sweep should close r.
func IsOverdue(r *Request, now time.Time, loc *time.Location) bool {
	if r.IsExpired || notOverdueStatuses[r.Status] {
		return false
	}
	return dateOf(r.ReturnDate, loc).Before(dateOf(now, loc))
}

// DaysOverdue counts started 24-hour periods after the return date's
// 23:59:59 cutoff. Returns 0 up to and including the cutoff.
func DaysOverdue(expectedReturn, now time.Time, loc *time.Location) int {
	if expectedReturn.IsZero() {
		return 0
	}
	cutoff := EndOfDay(expectedReturn, loc)
	if !now.After(cutoff) {
		return 0
	}
	days := 0
	for cutoff.Before(now) {
		cutoff = cutoff.Add(penaltyPeriod)
		days++
	}
	return days
}

// OverdueHours is the number of started hours past the cutoff, kept on
// the debt for audit.
func OverdueHours(expectedReturn, now time.Time, loc *time.Location) int {
	if expectedReturn.IsZero() {
		return 0
	}
	cutoff := EndOfDay(expectedReturn, loc)
	if !now.After(cutoff) {
		return 0
	}
	return int(math.Ceil(now.Sub(cutoff).Hours()))
}

// PotentialDebt is days × unit.
func PotentialDebt(days int, unit decimal.Decimal) decimal.Decimal {
	if days <= 0 {
		return decimal.Zero
	}
	return unit.Mul(decimal.NewFromInt(int64(days)))
}
