package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations are Go duration strings ("90s", "15m"). A blank field means
// "use the default" and a negative one is always rejected.

// ParseDuration parses the field at path. Blank yields 0.
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}

// Interval parses a loop period. Blank yields def while an explicit zero
// ("0s") yields 0, which turns the loop off.
func Interval(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return ParseDuration(path, raw)
}

// DurationOr parses a tuning knob that has no "off" value: blank and zero
// both yield def.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(path, raw)
	if err != nil {
		return def, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
