package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dates(occ []Occurrence) []time.Time {
	out := make([]time.Time, 0, len(occ))
	for _, o := range occ {
		out = append(out, o.Date)
	}
	return out
}

func TestParseRecurrenceRule_Valid(t *testing.T) {
	for _, in := range []string{
		"daily", "daily:biz_day", "weekly:1", "weekly:fri", "weekly:7",
		"monthly:15", "monthly:31", "monthly:last_day", "monthly:last_biz_day",
		"quarterly:1", "quarterly:last_day", "quarterly:last_biz_day",
		"annually:04-15", "annually:02-29", "annually:last_day", "annually:last_biz_day",
	} {
		r, err := ParseRecurrenceRule(in)
		require.NoError(t, err, in)
		assert.Equal(t, in, r.String())
	}
}

func TestParseRecurrenceRule_Invalid(t *testing.T) {
	for _, in := range []string{
		"", "hourly:1", "daily:3", "weekly:0", "weekly:8", "weekly:funday",
		"monthly:0", "monthly:32", "monthly:first_day", "quarterly:x",
		"annually:13-01", "annually:04-31", "annually:4-1", "annually",
	} {
		_, err := ParseRecurrenceRule(in)
		assert.ErrorIs(t, err, ErrUnknownRecurrenceRule, in)
	}
}

func TestDue_MonthlyCatchUp(t *testing.T) {
	r, err := ParseRecurrenceRule("monthly:15")
	require.NoError(t, err)

	last := day(2025, 1, 1)
	now := time.Date(2025, 4, 20, 9, 30, 0, 0, time.UTC)
	occ := r.Due(&last, day(2024, 6, 1), now, 0)
	assert.Equal(t, []time.Time{day(2025, 2, 15), day(2025, 3, 15), day(2025, 4, 15)}, dates(occ))
	assert.Equal(t, day(2025, 2, 1), occ[0].PeriodStart)

	last = day(2025, 4, 15)
	assert.Empty(t, r.Due(&last, day(2024, 6, 1), now, 0))
}

func TestDue_Limit(t *testing.T) {
	r, err := ParseRecurrenceRule("monthly:15")
	require.NoError(t, err)
	last := day(2025, 1, 1)
	occ := r.Due(&last, last, day(2025, 4, 20), 2)
	assert.Equal(t, []time.Time{day(2025, 2, 15), day(2025, 3, 15)}, dates(occ))
}

func TestDue_NeverRunUsesCreationPeriod(t *testing.T) {
	r, err := ParseRecurrenceRule("monthly:15")
	require.NoError(t, err)

	occ := r.Due(nil, time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC), day(2025, 2, 20), 0)
	assert.Equal(t, []time.Time{day(2025, 1, 15), day(2025, 2, 15)}, dates(occ))

	occ = r.Due(nil, day(2025, 1, 15), day(2025, 2, 20), 0)
	assert.Equal(t, []time.Time{day(2025, 2, 15)}, dates(occ))
}

func TestDue_QuarterlyLastBizDay(t *testing.T) {
	r, err := ParseRecurrenceRule("quarterly:last_biz_day")
	require.NoError(t, err)

	last := day(2025, 3, 31)
	occ := r.Due(&last, last, day(2025, 7, 1), 0)
	require.Len(t, occ, 1)
	assert.Equal(t, day(2025, 6, 30), occ[0].Date)
	assert.Equal(t, day(2025, 4, 1), occ[0].PeriodStart)

	// Dec 31 2025 is a Wednesday.
	last = day(2025, 9, 30)
	occ = r.Due(&last, last, day(2026, 1, 5), 0)
	require.Len(t, occ, 1)
	assert.Equal(t, day(2025, 12, 31), occ[0].Date)
}

func TestDue_LastBizDaySkipsWeekend(t *testing.T) {
	r, err := ParseRecurrenceRule("monthly:last_biz_day")
	require.NoError(t, err)

	// May 31 2025 is a Saturday.
	last := day(2025, 4, 30)
	occ := r.Due(&last, last, day(2025, 6, 1), 0)
	assert.Equal(t, []time.Time{day(2025, 5, 30)}, dates(occ))
}

func TestDue_MonthlyClampsShortMonths(t *testing.T) {
	r, err := ParseRecurrenceRule("monthly:31")
	require.NoError(t, err)

	last := day(2025, 1, 31)
	occ := r.Due(&last, last, day(2025, 4, 30), 0)
	assert.Equal(t, []time.Time{day(2025, 2, 28), day(2025, 3, 31), day(2025, 4, 30)}, dates(occ))
}

func TestDue_AnnuallyLeapDay(t *testing.T) {
	r, err := ParseRecurrenceRule("annually:02-29")
	require.NoError(t, err)

	last := day(2024, 2, 29)
	occ := r.Due(&last, last, day(2026, 3, 1), 0)
	assert.Equal(t, []time.Time{day(2025, 2, 28), day(2026, 2, 28)}, dates(occ))
}

func TestDue_WeeklyAndDaily(t *testing.T) {
	weekly, err := ParseRecurrenceRule("weekly:fri")
	require.NoError(t, err)
	// 2025-06-02 is a Monday.
	last := day(2025, 6, 6)
	occ := weekly.Due(&last, last, day(2025, 6, 20), 0)
	assert.Equal(t, []time.Time{day(2025, 6, 13), day(2025, 6, 20)}, dates(occ))
	assert.Equal(t, day(2025, 6, 9), occ[0].PeriodStart)

	biz, err := ParseRecurrenceRule("daily:biz_day")
	require.NoError(t, err)
	last = day(2025, 6, 5)
	occ = biz.Due(&last, last, day(2025, 6, 10), 0)
	assert.Equal(t, []time.Time{day(2025, 6, 6), day(2025, 6, 9), day(2025, 6, 10)}, dates(occ))
}
