package schedule

import (
	"fmt"
	"time"
)

// ComputeNext returns the next occurrence of a spec after ref.
//
// - once: the parsed absolute timestamp. Whether a once schedule still has
//   an occurrence at all is decided by the executor (it deactivates the
//   schedule after its single attempt and never asks again).
// - cron: the earliest time strictly after ref matching the expression.
// - interval: ref + duration.
//
// A spec that fails to parse here was stored corrupt; callers treat that as
// a data-integrity error for the schedule, not a batch failure.
func ComputeNext(kind Kind, spec string, ref time.Time) (time.Time, error) {
	ref = UTC(ref)
	switch kind {
	case KindOnce:
		return ParseAbsolute(spec)
	case KindCron:
		sched, err := ParseCron(spec)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(ref)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron expression %q has no future occurrence", spec)
		}
		return UTC(next), nil
	case KindInterval:
		d, err := ParseEvery(spec)
		if err != nil {
			return time.Time{}, err
		}
		return ref.Add(d), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %q", kind)
	}
}

// FirstRun computes the initial next_run at registration time.
// startAt applies to interval schedules only: when set and still in the
// future it gates the first occurrence, otherwise the first occurrence is
// now + interval.
func FirstRun(kind Kind, spec string, startAt *time.Time, now time.Time) (time.Time, error) {
	now = UTC(now)
	switch kind {
	case KindOnce:
		return ParseAbsolute(spec)
	case KindCron:
		return ComputeNext(KindCron, spec, now)
	case KindInterval:
		if startAt != nil {
			at := UTC(*startAt)
			if at.After(now) {
				return at, nil
			}
		}
		return ComputeNext(KindInterval, spec, now)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %q", kind)
	}
}
