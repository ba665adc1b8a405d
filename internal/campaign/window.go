package campaign

import (
	"fmt"
	"time"
)

// Accepts reports whether t falls inside the window: its weekday is allowed
// and HourStart <= hour < HourEnd. t is read in its own location, so callers
// convert to the campaign timezone first. A nil window accepts everything.
func (w *WindowPolicy) Accepts(t time.Time) bool {
	if w == nil {
		return true
	}
	wd := int(t.Weekday())
	allowed := false
	for _, d := range w.Days {
		if d == wd {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	h := t.Hour()
	return w.HourStart <= h && h < w.HourEnd
}

func (w *WindowPolicy) validate(errs *ConfigError) {
	if w == nil {
		return
	}
	if len(w.Days) == 0 {
		errs.addf("window: allowed_days_of_week must not be empty")
	}
	for _, d := range w.Days {
		if d < 0 || d > 6 {
			errs.addf("window: weekday %d out of range 0-6", d)
		}
	}
	if w.HourStart < 0 || w.HourStart > 23 {
		errs.addf("window: allowed_hour_start %d out of range 0-23", w.HourStart)
	}
	if w.HourEnd < 0 || w.HourEnd > 23 {
		errs.addf("window: allowed_hour_end %d out of range 0-23", w.HourEnd)
	}
	if w.HourStart >= w.HourEnd {
		errs.addf("window: %s is empty or crosses midnight", w.String())
	}
}

func (w *WindowPolicy) String() string {
	if w == nil {
		return "any"
	}
	return fmt.Sprintf("days=%v hours=[%02d,%02d)", w.Days, w.HourStart, w.HourEnd)
}
