package campaign

import (
	"testing"
	"time"
)

func TestWindowAccepts(t *testing.T) {
	t.Parallel()
	w := &WindowPolicy{Days: []int{1, 2, 3, 4, 5}, HourStart: 8, HourEnd: 20}
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"saturday rejected", utc(2026, time.January, 10, 12, 0), false},
		{"sunday rejected", utc(2026, time.January, 11, 12, 0), false},
		{"weekday start inclusive", utc(2026, time.January, 5, 8, 0), true},
		{"weekday before start", utc(2026, time.January, 5, 7, 59), false},
		{"weekday last minute", utc(2026, time.January, 5, 19, 59), true},
		{"weekday end exclusive", utc(2026, time.January, 5, 20, 0), false},
	}
	for _, tt := range tests {
		if got := w.Accepts(tt.at); got != tt.want {
			t.Fatalf("%s: Accepts(%s) = %v, want %v", tt.name, tt.at, got, tt.want)
		}
	}
}

func TestNilWindowAcceptsAll(t *testing.T) {
	t.Parallel()
	var w *WindowPolicy
	if !w.Accepts(utc(2026, time.January, 10, 3, 0)) {
		t.Fatal("nil window should accept")
	}
}
