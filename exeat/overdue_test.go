package exeat_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/exeat-engine/exeat"
)

func at(year int, month time.Month, day, hour, min, sec int) time.Time {
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC)
}

// =============================================================================
// DAYS OVERDUE
// =============================================================================

func TestDaysOverdue_UpToCutoff_IsZero(t *testing.T) {
	// GIVEN: Return date 2024-01-10 (cutoff 23:59:59 that day)
	// WHEN: now is anywhere up to and including the cutoff
	// THEN: No days overdue

	ret := at(2024, time.January, 10, 9, 0, 0)
	for _, now := range []time.Time{
		at(2024, time.January, 1, 0, 0, 0),
		at(2024, time.January, 10, 0, 0, 0),
		at(2024, time.January, 10, 18, 30, 0),
		at(2024, time.January, 10, 23, 59, 59),
	} {
		assert.Equal(t, 0, exeat.DaysOverdue(ret, now, time.UTC), "now=%s", now)
	}
}

func TestDaysOverdue_OneSecondAfterCutoff_IsOne(t *testing.T) {
	ret := at(2024, time.January, 10, 0, 0, 0)
	now := at(2024, time.January, 10, 23, 59, 59).Add(time.Second)

	assert.Equal(t, 1, exeat.DaysOverdue(ret, now, time.UTC))
}

func TestDaysOverdue_DayAndOneSecondAfterCutoff_IsTwo(t *testing.T) {
	ret := at(2024, time.January, 10, 0, 0, 0)
	now := at(2024, time.January, 10, 23, 59, 59).Add(24*time.Hour + time.Second)

	assert.Equal(t, 2, exeat.DaysOverdue(ret, now, time.UTC))
}

func TestDaysOverdue_ExactlyOnBoundary(t *testing.T) {
	// GIVEN: now exactly 24h after the cutoff
	// THEN: still one started period, not two
	ret := at(2024, time.January, 10, 0, 0, 0)
	now := at(2024, time.January, 11, 23, 59, 59)

	assert.Equal(t, 1, exeat.DaysOverdue(ret, now, time.UTC))
}

func TestDaysOverdue_ScenarioA(t *testing.T) {
	ret := at(2024, time.January, 10, 0, 0, 0)
	now := at(2024, time.January, 13, 0, 0, 1)

	assert.Equal(t, 3, exeat.DaysOverdue(ret, now, time.UTC))
}

func TestDaysOverdue_UsesCampusTimezone(t *testing.T) {
	// GIVEN: Campus in Lagos (UTC+1), return date 2024-01-10
	// WHEN: now is 2024-01-10 23:30 UTC (= 2024-01-11 00:30 Lagos)
	// THEN: one day overdue in Lagos time, even though UTC is still on the 10th

	lagos := time.FixedZone("WAT", 3600)
	ret := time.Date(2024, time.January, 10, 12, 0, 0, 0, lagos)
	now := at(2024, time.January, 10, 23, 30, 0)

	assert.Equal(t, 1, exeat.DaysOverdue(ret, now, lagos))
	assert.Equal(t, 0, exeat.DaysOverdue(ret, now, time.UTC))
}

func TestDaysOverdue_SteppingAcrossDST(t *testing.T) {
	// GIVEN: A zone with DST; return date the day before the spring change
	// WHEN: now is 47 hours after the cutoff
	// THEN: two started 24-hour periods

	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Skip("tzdata not available")
	}
	ret := time.Date(2024, time.March, 30, 10, 0, 0, 0, loc)
	cutoff := exeat.EndOfDay(ret, loc)
	now := cutoff.Add(47 * time.Hour)

	assert.Equal(t, 2, exeat.DaysOverdue(ret, now, loc))
}

func TestDaysOverdue_ZeroReturnDate(t *testing.T) {
	assert.Equal(t, 0, exeat.DaysOverdue(time.Time{}, time.Now(), time.UTC))
}

func TestOverdueHours(t *testing.T) {
	ret := at(2024, time.January, 10, 0, 0, 0)

	assert.Equal(t, 0, exeat.OverdueHours(ret, at(2024, time.January, 10, 23, 0, 0), time.UTC))
	assert.Equal(t, 1, exeat.OverdueHours(ret, at(2024, time.January, 11, 0, 0, 0), time.UTC))
	assert.Equal(t, 49, exeat.OverdueHours(ret, at(2024, time.January, 13, 0, 0, 1), time.UTC))
}

func TestPotentialDebt(t *testing.T) {
	unit := decimal.NewFromInt(10000)

	assert.True(t, exeat.PotentialDebt(0, unit).IsZero())
	assert.True(t, exeat.PotentialDebt(-1, unit).IsZero())
	assert.True(t, exeat.PotentialDebt(3, unit).Equal(decimal.NewFromInt(30000)))
}

// =============================================================================
// IS OVERDUE
// =============================================================================

func TestIsOverdue(t *testing.T) {
	now := at(2024, time.January, 12, 8, 0, 0)
	past := at(2024, time.January, 10, 0, 0, 0)

	tests := []struct {
		name   string
		req    exeat.Request
		expect bool
	}{
		{"pending past return date", exeat.Request{Status: exeat.StatusPending, ReturnDate: past}, true},
		{"dean review past return date", exeat.Request{Status: exeat.StatusDeanReview, ReturnDate: past}, true},
		{"appeal past return date", exeat.Request{Status: exeat.StatusAppeal, ReturnDate: past}, true},
		{"return date is today", exeat.Request{Status: exeat.StatusPending, ReturnDate: at(2024, time.January, 12, 23, 0, 0)}, false},
		{"already expired", exeat.Request{Status: exeat.StatusCompleted, ReturnDate: past, IsExpired: true}, false},
		{"student off campus", exeat.Request{Status: exeat.StatusSecuritySignin, ReturnDate: past}, false},
		{"awaiting hostel sign-in", exeat.Request{Status: exeat.StatusHostelSignin, ReturnDate: past}, false},
		{"completed", exeat.Request{Status: exeat.StatusCompleted, ReturnDate: past}, false},
		{"rejected", exeat.Request{Status: exeat.StatusRejected, ReturnDate: past}, false},
		{"cancelled", exeat.Request{Status: exeat.StatusCancelled, ReturnDate: past}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, exeat.IsOverdue(&tt.req, now, time.UTC))
		})
	}
}

// =============================================================================
// WEEKDAY COVERAGE
// =============================================================================

func TestCoversWeekday(t *testing.T) {
	// 2024-01-13 is a Saturday
	sat := at(2024, time.January, 13, 9, 0, 0)
	sun := at(2024, time.January, 14, 18, 0, 0)
	mon := at(2024, time.January, 15, 8, 0, 0)

	require.Equal(t, time.Saturday, sat.Weekday())
	assert.False(t, exeat.CoversWeekday(sat, sun, time.UTC), "weekend only")
	assert.True(t, exeat.CoversWeekday(sat, mon, time.UTC), "runs into Monday")
	assert.True(t, exeat.CoversWeekday(mon, mon, time.UTC), "single weekday")
	assert.True(t, exeat.CoversWeekday(sat, sat.AddDate(0, 1, 0), time.UTC), "long range")
}
