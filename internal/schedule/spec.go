package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	robcron "github.com/robfig/cron/v3"
)

// 5-field grammar: minute hour dom month dow. No seconds field, no
// descriptors; expressions evaluate in UTC.
var cronParser = robcron.NewParser(
	robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow,
)

const absoluteHint = "expected RFC3339 or formats like 2006-01-02 15:04:05 (UTC)"

// ParseAbsolute parses an absolute timestamp spec.
// RFC3339 keeps its own offset; bare layouts are read as UTC.
func ParseAbsolute(raw string) (time.Time, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return UTC(t), nil
	}
	layouts := []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
			return UTC(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: %s", raw, absoluteHint)
}

// ParseEvery parses an interval spec: bare digits are seconds, anything else
// is a Go duration string ("30s", "5m", "1h", "1h30m"). Sub-second
// resolution is rejected; next_run is stored at whole seconds.
func ParseEvery(raw string) (time.Duration, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return 0, errors.New("interval is empty")
	}
	if secs, err := strconv.ParseInt(text, 10, 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("interval %q must be > 0", raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(text)
	if err != nil {
		return 0, fmt.Errorf("parse interval %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be > 0", raw)
	}
	if d%time.Second != 0 {
		return 0, fmt.Errorf("interval %q must be whole seconds", raw)
	}
	return d, nil
}

// ParseCron validates a 5-field cron expression.
func ParseCron(raw string) (robcron.Schedule, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errors.New("cron expression is empty")
	}
	sched, err := cronParser.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", raw, err)
	}
	return sched, nil
}

// ValidateSpec checks a spec against its kind's grammar at registration time.
// Past-dated once timestamps and unsatisfiable cron expressions are rejected
// here so they can never reach the store.
func ValidateSpec(kind Kind, spec string, now time.Time) error {
	now = UTC(now)
	switch kind {
	case KindOnce:
		t, err := ParseAbsolute(spec)
		if err != nil {
			return err
		}
		if !t.After(now) {
			return fmt.Errorf("once timestamp %q is not in the future", spec)
		}
		return nil
	case KindCron:
		sched, err := ParseCron(spec)
		if err != nil {
			return err
		}
		if sched.Next(now).IsZero() {
			return fmt.Errorf("cron expression %q has no future occurrence", spec)
		}
		return nil
	case KindInterval:
		_, err := ParseEvery(spec)
		return err
	default:
		return fmt.Errorf("unknown schedule kind: %q", kind)
	}
}
