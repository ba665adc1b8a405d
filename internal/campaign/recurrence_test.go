package campaign

import (
	"testing"
	"time"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()
	past := utc(2025, time.January, 1, 0, 0)
	tests := []struct {
		name   string
		rule   RecurrenceRule
		now    time.Time
		want   time.Time
		wantOK bool
	}{
		{
			name:   "daily later today",
			rule:   RecurrenceRule{Type: Daily, Hour: 18, Minute: 30, StartAt: past},
			now:    utc(2026, time.January, 5, 10, 0),
			want:   utc(2026, time.January, 5, 18, 30),
			wantOK: true,
		},
		{
			name:   "daily passed rolls to tomorrow",
			rule:   RecurrenceRule{Type: Daily, Hour: 9, Minute: 0, StartAt: past},
			now:    utc(2026, time.January, 5, 10, 0),
			want:   utc(2026, time.January, 6, 9, 0),
			wantOK: true,
		},
		{
			name:   "exact instant is included",
			rule:   RecurrenceRule{Type: Daily, Hour: 9, Minute: 0, StartAt: past},
			now:    utc(2026, time.January, 5, 9, 0),
			want:   utc(2026, time.January, 5, 9, 0),
			wantOK: true,
		},
		{
			name:   "weekly monday after slot returns wednesday",
			rule:   RecurrenceRule{Type: Weekly, Days: []int{1, 3, 5}, Hour: 9, StartAt: past},
			now:    utc(2026, time.January, 5, 10, 0), // Monday
			want:   utc(2026, time.January, 7, 9, 0),
			wantOK: true,
		},
		{
			name:   "weekly wraps to next week",
			rule:   RecurrenceRule{Type: Weekly, Days: []int{1}, Hour: 9, StartAt: past},
			now:    utc(2026, time.January, 5, 10, 0),
			want:   utc(2026, time.January, 12, 9, 0),
			wantOK: true,
		},
		{
			name:   "weekly duplicate days fire once",
			rule:   RecurrenceRule{Type: Weekly, Days: []int{3, 3}, Hour: 9, StartAt: past},
			now:    utc(2026, time.January, 5, 10, 0),
			want:   utc(2026, time.January, 7, 9, 0),
			wantOK: true,
		},
		{
			name:   "monthly 31 skips a 30 day month",
			rule:   RecurrenceRule{Type: Monthly, Days: []int{31}, Hour: 8, StartAt: past},
			now:    utc(2026, time.April, 10, 0, 0),
			want:   utc(2026, time.May, 31, 8, 0),
			wantOK: true,
		},
		{
			name:   "monthly 31 skips february",
			rule:   RecurrenceRule{Type: Monthly, Days: []int{31}, Hour: 8, StartAt: past},
			now:    utc(2026, time.February, 1, 0, 0),
			want:   utc(2026, time.March, 31, 8, 0),
			wantOK: true,
		},
		{
			name:   "monthly picks earliest configured day",
			rule:   RecurrenceRule{Type: Monthly, Days: []int{20, 5}, Hour: 8, StartAt: past},
			now:    utc(2026, time.April, 10, 0, 0),
			want:   utc(2026, time.April, 20, 8, 0),
			wantOK: true,
		},
		{
			name:   "never before start",
			rule:   RecurrenceRule{Type: Daily, Hour: 9, StartAt: utc(2026, time.January, 10, 12, 0)},
			now:    utc(2026, time.January, 5, 10, 0),
			want:   utc(2026, time.January, 11, 9, 0),
			wantOK: true,
		},
		{
			name: "end reached",
			rule: RecurrenceRule{Type: Daily, Hour: 9, StartAt: past, EndAt: utc(2026, time.January, 6, 9, 0)},
			now:  utc(2026, time.January, 5, 10, 0),
		},
		{
			name:   "end after candidate",
			rule:   RecurrenceRule{Type: Daily, Hour: 9, StartAt: past, EndAt: utc(2026, time.January, 6, 9, 1)},
			now:    utc(2026, time.January, 5, 10, 0),
			want:   utc(2026, time.January, 6, 9, 0),
			wantOK: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok, err := NextOccurrence(tt.rule, tt.now, time.UTC)
			if err != nil {
				t.Fatalf("NextOccurrence error: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (got %s)", ok, tt.wantOK, got)
			}
			if ok && !got.Equal(tt.want) {
				t.Fatalf("next = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextOccurrenceIsIdempotent(t *testing.T) {
	t.Parallel()
	rule := RecurrenceRule{Type: Weekly, Days: []int{1, 3, 5}, Hour: 9, StartAt: utc(2025, time.January, 1, 0, 0)}
	now := utc(2026, time.January, 5, 10, 0)
	a, _, _ := NextOccurrence(rule, now, time.UTC)
	b, _, _ := NextOccurrence(rule, now, time.UTC)
	if !a.Equal(b) {
		t.Fatalf("results differ: %s vs %s", a, b)
	}
}

func TestNextOccurrenceUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	rule := RecurrenceRule{Type: Daily, Hour: 9, StartAt: utc(2025, time.January, 1, 0, 0)}
	// 03:00 UTC is 10:00 at UTC+7, so today's 09:00 slot has passed.
	got, ok, err := NextOccurrence(rule, utc(2026, time.January, 5, 3, 0), loc)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	want := time.Date(2026, time.January, 6, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("next = %s, want %s", got, want)
	}
}

func TestCronSpecRejectsBadRules(t *testing.T) {
	t.Parallel()
	bad := []RecurrenceRule{
		{Type: Weekly},
		{Type: Weekly, Days: []int{7}},
		{Type: Monthly, Days: []int{0}},
		{Type: Daily, Hour: 24},
		{Type: Daily, Minute: 60},
		{Type: "yearly"},
	}
	for _, r := range bad {
		if _, err := r.CronSpec(); err == nil {
			t.Fatalf("expected error for %+v", r)
		}
	}
}
