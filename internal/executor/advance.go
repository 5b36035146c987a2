// Package executor drives delivery passes: it claims due schedules, hands
// each message to the delivery client and writes the advanced state back.
package executor

import (
	"fmt"
	"time"

	"nudgebot/internal/delivery"
	"nudgebot/internal/schedule"
	"nudgebot/internal/store"
)

// Advance computes the post-attempt state for one schedule. It never touches
// storage; the caller persists the returned Finish.
//
// One-shot schedules get exactly one attempt and deactivate whatever the
// outcome. Repeating schedules advance from the delivery time on success,
// keep their slot on a transient failure so the next pass retries, and
// deactivate on a permanent failure. maxConsecutive caps back-to-back
// transient failures; zero means no cap.
func Advance(sc *schedule.Schedule, now time.Time, out delivery.Outcome, maxConsecutive int64) store.Finish {
	now = schedule.UTC(now)
	fin := store.Finish{
		NextRun:         sc.NextRun,
		Active:          sc.Active,
		RepetitionCount: sc.RepetitionCount,
		FailureCount:    sc.FailureCount,
		LastRun:         now,
		LastError:       "",
	}

	switch out.Status {
	case delivery.StatusDelivered:
		fin.FailureCount = 0
		if sc.Kind == schedule.KindOnce {
			fin.Active = false
			return fin
		}
		fin.RepetitionCount = sc.RepetitionCount + 1
		if sc.MaxRepetitions != nil && fin.RepetitionCount >= *sc.MaxRepetitions {
			fin.Active = false
			return fin
		}
		next, err := schedule.ComputeNext(sc.Kind, sc.Spec, now)
		if err != nil {
			// Spec no longer yields a future occurrence (or is corrupt).
			// Retire the schedule instead of replaying the same slot forever.
			fin.Active = false
			fin.LastError = fmt.Sprintf("no next occurrence: %v", err)
			return fin
		}
		fin.NextRun = next
		return fin

	case delivery.StatusPermanent:
		fin.Active = false
		fin.FailureCount = sc.FailureCount + 1
		fin.LastError = out.Reason
		return fin

	default: // transient
		fin.FailureCount = sc.FailureCount + 1
		fin.LastError = out.Reason
		if sc.Kind == schedule.KindOnce {
			fin.Active = false
			return fin
		}
		if maxConsecutive > 0 && fin.FailureCount >= maxConsecutive {
			fin.Active = false
			fin.LastError = fmt.Sprintf("disabled after %d consecutive failures: %s", fin.FailureCount, out.Reason)
		}
		// NextRun stays put so the next pass picks the schedule up again.
		return fin
	}
}
