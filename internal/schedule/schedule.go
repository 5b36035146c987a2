// Package schedule holds the schedule entity and the recurrence math.
//
// All timestamps are UTC at second granularity. A schedule is "due" when
// next_run <= now.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects how next_run is recomputed after each delivery.
type Kind string

const (
	// KindOnce delivers a single time at an absolute timestamp.
	KindOnce Kind = "once"
	// KindCron recurs on a 5-field cron expression (minute hour dom month dow),
	// evaluated in UTC.
	KindCron Kind = "cron"
	// KindInterval recurs every fixed duration.
	KindInterval Kind = "interval"
)

// ParseKind normalizes and validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindOnce, KindCron, KindInterval:
		return k, nil
	default:
		return "", fmt.Errorf("unknown schedule kind: %q", s)
	}
}

// Schedule is a stored request to deliver a message to an agent at one or
// more future times.
//
// Mutable state (NextRun, Active, counters, LastRun, LastError) is advanced
// only by the executor after a delivery attempt; the store persists it.
type Schedule struct {
	ID      int64
	AgentID string
	Message string

	Kind Kind
	Spec string

	// StartAt gates the first occurrence of an interval schedule.
	// Nil means "now + interval" at registration time.
	StartAt *time.Time

	NextRun time.Time
	Active  bool

	// MaxRepetitions caps total successful deliveries of an interval
	// schedule. Nil means unbounded.
	MaxRepetitions  *int64
	RepetitionCount int64

	// FailureCount counts consecutive transient delivery failures.
	// Reset to zero by any successful delivery.
	FailureCount int64

	LastRun   *time.Time
	LastError string
	CreatedAt time.Time
}

// Due reports whether the schedule should be selected at now.
func (s *Schedule) Due(now time.Time) bool {
	return s.Active && !s.NextRun.After(UTC(now))
}

// UTC normalizes a timestamp to the storage resolution.
func UTC(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
