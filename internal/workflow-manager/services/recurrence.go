package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	FreqDaily     = "daily"
	FreqWeekly    = "weekly"
	FreqMonthly   = "monthly"
	FreqQuarterly = "quarterly"
	FreqAnnually  = "annually"

	specLastDay    = "last_day"
	specLastBizDay = "last_biz_day"
	specBizDay     = "biz_day"
)

var weekdayNames = map[string]int{"mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6, "sun": 7}

// RecurrenceRule is a parsed "freq:spec" schedule.
//
// Every rule divides the calendar into periods (day, ISO week, month, quarter, year) and
// yields at most one occurrence per period.
type RecurrenceRule struct {
	Freq    string
	Spec    string
	day     int // day of month, or ISO weekday for weekly rules
	month   int // annually only
	lastDay bool
	bizDay  bool
}

// Occurrence is one due date of a recurrence rule together with the first day of its period.
type Occurrence struct {
	PeriodStart time.Time
	Date        time.Time
}

// ParseRecurrenceRule parses the stable recurrence grammar stored on templates.
func ParseRecurrenceRule(raw string) (RecurrenceRule, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	freq, spec, _ := strings.Cut(s, ":")
	r := RecurrenceRule{Freq: freq, Spec: spec}
	bad := func() (RecurrenceRule, error) {
		return RecurrenceRule{}, fmt.Errorf("%w: %q", ErrUnknownRecurrenceRule, raw)
	}

	switch freq {
	case FreqDaily:
		switch spec {
		case "":
		case specBizDay:
			r.bizDay = true
		default:
			return bad()
		}
	case FreqWeekly:
		if n, ok := weekdayNames[spec]; ok {
			r.day = n
		} else if n, err := strconv.Atoi(spec); err == nil && n >= 1 && n <= 7 {
			r.day = n
		} else {
			return bad()
		}
	case FreqMonthly, FreqQuarterly:
		switch spec {
		case specLastDay:
			r.lastDay = true
		case specLastBizDay:
			r.lastDay, r.bizDay = true, true
		default:
			n, err := strconv.Atoi(spec)
			if err != nil || n < 1 || n > 31 {
				return bad()
			}
			r.day = n
		}
	case FreqAnnually:
		switch spec {
		case specLastDay:
			r.lastDay = true
		case specLastBizDay:
			r.lastDay, r.bizDay = true, true
		default:
			mm, dd, ok := strings.Cut(spec, "-")
			if !ok || len(mm) != 2 || len(dd) != 2 {
				return bad()
			}
			m, errM := strconv.Atoi(mm)
			d, errD := strconv.Atoi(dd)
			if errM != nil || errD != nil || m < 1 || m > 12 || d < 1 {
				return bad()
			}
			// Feb 29 is accepted and clamped in non leap years.
			limit := daysIn(2024, time.Month(m))
			if d > limit {
				return bad()
			}
			r.month, r.day = m, d
		}
	default:
		return bad()
	}
	return r, nil
}

// String renders the canonical form of the rule.
func (r RecurrenceRule) String() string {
	if r.Spec == "" {
		return r.Freq
	}
	return r.Freq + ":" + r.Spec
}

// PeriodStart returns the first day of the period containing t.
func (r RecurrenceRule) PeriodStart(t time.Time) time.Time {
	d := dateOnly(t)
	switch r.Freq {
	case FreqWeekly:
		return d.AddDate(0, 0, -(isoWeekday(d) - 1))
	case FreqMonthly:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	case FreqQuarterly:
		q := (int(d.Month()) - 1) / 3
		return time.Date(d.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
	case FreqAnnually:
		return time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return d
	}
}

func (r RecurrenceRule) nextPeriod(start time.Time) time.Time {
	switch r.Freq {
	case FreqWeekly:
		return start.AddDate(0, 0, 7)
	case FreqMonthly:
		return start.AddDate(0, 1, 0)
	case FreqQuarterly:
		return start.AddDate(0, 3, 0)
	case FreqAnnually:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// occurrenceIn returns the occurrence inside the period starting at start. Weekend days of a
// daily:biz_day rule have none.
func (r RecurrenceRule) occurrenceIn(start time.Time) (time.Time, bool) {
	switch r.Freq {
	case FreqDaily:
		if r.bizDay && isWeekend(start) {
			return time.Time{}, false
		}
		return start, true
	case FreqWeekly:
		return start.AddDate(0, 0, r.day-1), true
	case FreqMonthly:
		return r.dayInMonth(start.Year(), start.Month()), true
	case FreqQuarterly:
		return r.dayInMonth(start.Year(), start.Month()+2), true
	case FreqAnnually:
		if r.lastDay {
			return r.dayInMonth(start.Year(), time.December), true
		}
		return clampedDate(start.Year(), time.Month(r.month), r.day), true
	}
	return time.Time{}, false
}

func (r RecurrenceRule) dayInMonth(year int, month time.Month) time.Time {
	if !r.lastDay {
		return clampedDate(year, month, r.day)
	}
	d := time.Date(year, month, daysIn(year, month), 0, 0, 0, 0, time.UTC)
	if r.bizDay {
		for isWeekend(d) {
			d = d.AddDate(0, 0, -1)
		}
	}
	return d
}

// Due lists occurrences on or before now in periods after the one containing lastRun. When
// lastRun is nil the period containing createdAt is eligible too, for occurrences strictly after
// createdAt. At most limit occurrences are returned when limit is positive.
func (r RecurrenceRule) Due(lastRun *time.Time, createdAt, now time.Time, limit int) []Occurrence {
	today := dateOnly(now)
	var period, notBefore time.Time
	if lastRun != nil {
		period = r.nextPeriod(r.PeriodStart(*lastRun))
		notBefore = dateOnly(*lastRun).AddDate(0, 0, 1)
	} else {
		period = r.PeriodStart(createdAt)
		notBefore = dateOnly(createdAt).AddDate(0, 0, 1)
	}

	var out []Occurrence
	for !period.After(today) {
		if occ, ok := r.occurrenceIn(period); ok && !occ.After(today) && !occ.Before(notBefore) {
			out = append(out, Occurrence{PeriodStart: period, Date: occ})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		period = r.nextPeriod(period)
	}
	return out
}

func clampedDate(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	if n := daysIn(first.Year(), first.Month()); day > n {
		day = n
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func isoWeekday(t time.Time) int {
	if t.Weekday() == time.Sunday {
		return 7
	}
	return int(t.Weekday())
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}
