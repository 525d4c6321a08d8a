package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// ParseDurationField parses a Go duration with an optional leading day
// component ("7d", "1d12h"), naming path in errors. Empty is zero;
// negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var days time.Duration
	if i := strings.IndexByte(s, 'd'); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
		}
		days, s = time.Duration(n)*day, s[i+1:]
	}
	var rest time.Duration
	if s != "" {
		var err error
		if rest, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
		}
	}
	if days < 0 || rest < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return days + rest, nil
}

// DurationField binds one config value to its destination.
type DurationField struct {
	Path string
	Raw  string
	Dst  *time.Duration
}

// ParseDurations parses every field and reports all bad ones at once.
func ParseDurations(fields ...DurationField) error {
	var errs []error
	for _, f := range fields {
		d, err := ParseDurationField(f.Path, f.Raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f.Dst = d
	}
	return errors.Join(errs...)
}
