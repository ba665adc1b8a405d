package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses the duration at key. Empty is zero.
func ParseDurationField(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (try 30s, 5m, 1h30m)", key, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", key, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	return ParseDurationAtLeast(key, raw, def, 0)
}

// ParseDurationAtLeast is ParseDurationOrDefault that also rejects values
// below lo.
func ParseDurationAtLeast(key, raw string, def, lo time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		d = def
	}
	if d < lo {
		return 0, fmt.Errorf("%s must be >= %s, got %s", key, lo, d)
	}
	return d, nil
}
