package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	AnchorStartDate = "start_date"
	AnchorDueDate   = "due_date"
)

var dueDateRulePattern = regexp.MustCompile(`^(start_date|due_date)\s*([+-])\s*(\d+)(?:\s*days?)?$`)

// DueDateRule is a parsed relative date such as "start_date+5" or "due_date-10".
type DueDateRule struct {
	Anchor string
	Offset int
}

// ParseDueDateRule parses a due_date_rule string. An empty string yields nil, meaning no due date.
func ParseDueDateRule(raw string) (*DueDateRule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	m := dueDateRulePattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDueDateRule, raw)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidDueDateRule, raw, err)
	}
	if m[2] == "-" {
		n = -n
	}
	return &DueDateRule{Anchor: m[1], Offset: n}, nil
}

// String renders the canonical form accepted by ParseDueDateRule.
func (r DueDateRule) String() string {
	if r.Offset < 0 {
		return fmt.Sprintf("%s-%d", r.Anchor, -r.Offset)
	}
	return fmt.Sprintf("%s+%d", r.Anchor, r.Offset)
}

// Apply resolves the rule against the work item's anchor dates.
func (r DueDateRule) Apply(start time.Time, due *time.Time) (time.Time, error) {
	switch r.Anchor {
	case AnchorStartDate:
		return dateOnly(start).AddDate(0, 0, r.Offset), nil
	case AnchorDueDate:
		if due == nil {
			return time.Time{}, fmt.Errorf("%w: %s needs a work item due date", ErrInvalidDueDateRule, r)
		}
		return dateOnly(*due).AddDate(0, 0, r.Offset), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown anchor %q", ErrInvalidDueDateRule, r.Anchor)
	}
}

// dateOnly truncates t to midnight UTC of its calendar date.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
