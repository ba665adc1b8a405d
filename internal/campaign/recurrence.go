package campaign

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Rules are compiled into standard five-field cron specs so day matching,
// month lengths and DST gaps are handled by the cron calculator.
var ruleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronSpec renders the rule as a five-field cron expression.
//
// Daily:   "m h * * *"
// Weekly:  "m h * * d1,d2"
// Monthly: "m h d1,d2 * *"
func (r RecurrenceRule) CronSpec() (string, error) {
	if r.Hour < 0 || r.Hour > 23 {
		return "", fmt.Errorf("hour %d out of range 0-23", r.Hour)
	}
	if r.Minute < 0 || r.Minute > 59 {
		return "", fmt.Errorf("minute %d out of range 0-59", r.Minute)
	}
	hm := strconv.Itoa(r.Minute) + " " + strconv.Itoa(r.Hour)
	switch r.Type {
	case Daily:
		return hm + " * * *", nil
	case Weekly:
		days, err := dayList(r.Days, 0, 6)
		if err != nil {
			return "", fmt.Errorf("weekly days: %w", err)
		}
		return hm + " * * " + days, nil
	case Monthly:
		days, err := dayList(r.Days, 1, 31)
		if err != nil {
			return "", fmt.Errorf("monthly days: %w", err)
		}
		return hm + " " + days + " * *", nil
	default:
		return "", fmt.Errorf("unknown recurrence type %q", r.Type)
	}
}

func dayList(days []int, lo, hi int) (string, error) {
	if len(days) == 0 {
		return "", fmt.Errorf("at least one day required")
	}
	seen := make(map[int]struct{}, len(days))
	uniq := make([]int, 0, len(days))
	for _, d := range days {
		if d < lo || d > hi {
			return "", fmt.Errorf("day %d out of range %d-%d", d, lo, hi)
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		uniq = append(uniq, d)
	}
	sort.Ints(uniq)
	parts := make([]string, len(uniq))
	for i, d := range uniq {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ","), nil
}

// NextOccurrence returns the first occurrence of r at or after
// max(now, r.StartAt), evaluated in loc. ok is false when the rule has no
// further occurrence because EndAt has been reached.
func NextOccurrence(r RecurrenceRule, now time.Time, loc *time.Location) (next time.Time, ok bool, err error) {
	expr, err := r.CronSpec()
	if err != nil {
		return time.Time{}, false, err
	}
	sched, err := ruleParser.Parse(expr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("compile %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.Local
	}

	from := now
	if r.StartAt.After(from) {
		from = r.StartAt
	}
	from = from.In(loc)

	// cron.Schedule.Next is strictly-after with second granularity; step back
	// one second so an occurrence exactly at `from` is included.
	next = sched.Next(from.Add(-time.Second))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	if next.Before(from) {
		next = sched.Next(next)
		if next.IsZero() {
			return time.Time{}, false, nil
		}
	}
	if !r.EndAt.IsZero() && !next.Before(r.EndAt) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}
