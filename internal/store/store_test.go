package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"nudgebot/internal/schedule"
	logx "nudgebot/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "schedules.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, sc *schedule.Schedule) int64 {
	t.Helper()
	id, err := s.Create(context.Background(), sc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func testTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCreateGetRoundtrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	start := testTime("2025-06-01T08:00:00Z")
	maxReps := int64(5)
	in := &schedule.Schedule{
		AgentID:        "agent-1",
		Message:        "drink water",
		Kind:           schedule.KindInterval,
		Spec:           "30m",
		StartAt:        &start,
		NextRun:        testTime("2025-06-01T08:00:00Z"),
		Active:         true,
		MaxRepetitions: &maxReps,
		CreatedAt:      testTime("2025-05-31T12:00:00Z"),
	}
	id := mustCreate(t, s, in)
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AgentID != "agent-1" || got.Message != "drink water" {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.Kind != schedule.KindInterval || got.Spec != "30m" {
		t.Fatalf("kind/spec = %v/%q", got.Kind, got.Spec)
	}
	if got.StartAt == nil || !got.StartAt.Equal(start) {
		t.Fatalf("StartAt = %v, want %v", got.StartAt, start)
	}
	if got.MaxRepetitions == nil || *got.MaxRepetitions != 5 {
		t.Fatalf("MaxRepetitions = %v, want 5", got.MaxRepetitions)
	}
	if !got.Active || got.RepetitionCount != 0 || got.FailureCount != 0 {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got.LastRun != nil || got.LastError != "" {
		t.Fatalf("fresh schedule has run state: %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), 4242); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "m1", Kind: schedule.KindCron, Spec: "0 9 * * *",
		NextRun: testTime("2025-01-03T09:00:00Z"), Active: true,
	})
	mustCreate(t, s, &schedule.Schedule{
		AgentID: "b", Message: "m2", Kind: schedule.KindInterval, Spec: "1h",
		NextRun: testTime("2025-01-01T00:00:00Z"), Active: true,
	})
	mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "m3", Kind: schedule.KindOnce, Spec: "2025-01-02T00:00:00Z",
		NextRun: testTime("2025-01-02T00:00:00Z"), Active: false,
	})

	all, err := s.List(ctx, Filter{IncludeInactive: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	// next_run ascending.
	if !all[0].NextRun.Before(all[1].NextRun) || !all[1].NextRun.Before(all[2].NextRun) {
		t.Fatalf("not ordered by next_run: %v %v %v", all[0].NextRun, all[1].NextRun, all[2].NextRun)
	}

	active, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("len(active) = %d, want 2", len(active))
	}

	agentA, err := s.List(ctx, Filter{AgentID: "a", IncludeInactive: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(agentA) != 2 {
		t.Fatalf("len(agentA) = %d, want 2", len(agentA))
	}
	for _, sc := range agentA {
		if sc.AgentID != "a" {
			t.Fatalf("filter leak: %+v", sc)
		}
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "m", Kind: schedule.KindCron, Spec: "0 9 * * *",
		NextRun: testTime("2025-01-01T09:00:00Z"), Active: true,
	})

	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Active {
		t.Fatal("schedule still active after cancel")
	}

	// Cancelling again is a no-op success.
	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("second Cancel = %v, want nil", err)
	}

	if err := s.Cancel(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel missing = %v, want ErrNotFound", err)
	}
}

func TestClaimDueSelectsAndMarks(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := testTime("2025-01-01T12:00:00Z")

	late := mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "late", Kind: schedule.KindInterval, Spec: "1h",
		NextRun: now.Add(-2 * time.Hour), Active: true,
	})
	recent := mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "recent", Kind: schedule.KindInterval, Spec: "1h",
		NextRun: now.Add(-time.Minute), Active: true,
	})
	mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "future", Kind: schedule.KindInterval, Spec: "1h",
		NextRun: now.Add(time.Hour), Active: true,
	})
	mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "inactive", Kind: schedule.KindInterval, Spec: "1h",
		NextRun: now.Add(-time.Hour), Active: false,
	})

	due, claimedAt, err := s.ClaimDue(ctx, now, 5*time.Minute, 0)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	// Oldest-due-first.
	if due[0].ID != late || due[1].ID != recent {
		t.Fatalf("order = [%d %d], want [%d %d]", due[0].ID, due[1].ID, late, recent)
	}
	if !claimedAt.Equal(schedule.UTC(now)) {
		t.Fatalf("claimedAt = %v, want %v", claimedAt, now)
	}

	// A second overlapping pass sees nothing: rows are in flight.
	again, _, err := s.ClaimDue(ctx, now.Add(time.Second), 5*time.Minute, 0)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("overlapping claim returned %d rows, want 0", len(again))
	}
}

func TestClaimDueTakesOverStaleClaims(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := testTime("2025-01-01T12:00:00Z")

	id := mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "m", Kind: schedule.KindInterval, Spec: "1h",
		NextRun: now.Add(-time.Hour), Active: true,
	})

	if _, _, err := s.ClaimDue(ctx, now, 5*time.Minute, 0); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}

	// Within the TTL the claim holds.
	held, _, err := s.ClaimDue(ctx, now.Add(4*time.Minute), 5*time.Minute, 0)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(held) != 0 {
		t.Fatalf("claim not held: got %d rows", len(held))
	}

	// After the TTL the row is treated as abandoned.
	taken, _, err := s.ClaimDue(ctx, now.Add(6*time.Minute), 5*time.Minute, 0)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(taken) != 1 || taken[0].ID != id {
		t.Fatalf("stale claim not taken over: %+v", taken)
	}
}

func TestFinishAppliesStateAndReleasesClaim(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := testTime("2025-01-01T12:00:00Z")

	id := mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "m", Kind: schedule.KindInterval, Spec: "1h",
		NextRun: now.Add(-time.Minute), Active: true,
	})
	_, claimedAt, err := s.ClaimDue(ctx, now, 5*time.Minute, 0)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}

	next := now.Add(time.Hour)
	err = s.Finish(ctx, id, claimedAt, Finish{
		NextRun:         next,
		Active:          true,
		RepetitionCount: 1,
		FailureCount:    0,
		LastRun:         now,
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.NextRun.Equal(next) || got.RepetitionCount != 1 || !got.Active {
		t.Fatalf("state not applied: %+v", got)
	}
	if got.LastRun == nil || !got.LastRun.Equal(schedule.UTC(now)) {
		t.Fatalf("LastRun = %v, want %v", got.LastRun, now)
	}

	// Claim released: the row is claimable again once due.
	due, _, err := s.ClaimDue(ctx, next, 5*time.Minute, 0)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("row not reclaimable after Finish: %d", len(due))
	}
}

func TestFinishWithLostClaim(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := testTime("2025-01-01T12:00:00Z")

	id := mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "m", Kind: schedule.KindInterval, Spec: "1h",
		NextRun: now.Add(-time.Minute), Active: true,
	})
	_, claimedAt, err := s.ClaimDue(ctx, now, time.Minute, 0)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}

	// Another pass takes the row over after the TTL.
	taken, _, err := s.ClaimDue(ctx, now.Add(2*time.Minute), time.Minute, 0)
	if err != nil || len(taken) != 1 {
		t.Fatalf("takeover ClaimDue = (%v, %v)", taken, err)
	}

	err = s.Finish(ctx, id, claimedAt, Finish{
		NextRun: now.Add(time.Hour), Active: true, LastRun: now,
	})
	if !errors.Is(err, ErrClaimLost) {
		t.Fatalf("Finish after takeover = %v, want ErrClaimLost", err)
	}

	if err := s.Finish(ctx, 9999, claimedAt, Finish{NextRun: now, LastRun: now}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Finish missing = %v, want ErrNotFound", err)
	}
}

func TestDeleteInactiveBefore(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	oldT := testTime("2024-01-01T00:00:00Z")
	newT := testTime("2025-01-01T00:00:00Z")

	mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "old inactive", Kind: schedule.KindOnce, Spec: "2024-01-02T00:00:00Z",
		NextRun: oldT, Active: false, CreatedAt: oldT,
	})
	keepActive := mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "old active", Kind: schedule.KindCron, Spec: "0 9 * * *",
		NextRun: newT, Active: true, CreatedAt: oldT,
	})
	keepRecent := mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "recent inactive", Kind: schedule.KindOnce, Spec: "2025-01-02T00:00:00Z",
		NextRun: newT, Active: false, CreatedAt: newT,
	})

	n, err := s.DeleteInactiveBefore(ctx, testTime("2024-06-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("DeleteInactiveBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}

	left, err := s.List(ctx, Filter{IncludeInactive: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("%d rows left, want 2", len(left))
	}
	for _, sc := range left {
		if sc.ID != keepActive && sc.ID != keepRecent {
			t.Fatalf("wrong row survived: %+v", sc)
		}
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := testTime("2025-01-01T12:00:00Z")

	mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "m", Kind: schedule.KindOnce, Spec: "2025-01-01T10:00:00Z",
		NextRun: now.Add(-2 * time.Hour), Active: true,
	})
	mustCreate(t, s, &schedule.Schedule{
		AgentID: "a", Message: "m", Kind: schedule.KindCron, Spec: "0 9 * * *",
		NextRun: now.Add(time.Hour), Active: true,
	})
	mustCreate(t, s, &schedule.Schedule{
		AgentID: "b", Message: "m", Kind: schedule.KindInterval, Spec: "1h",
		NextRun: now, Active: false,
	})

	st, err := s.Stats(ctx, now)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{Total: 3, Active: 2, Inactive: 1, DueNow: 1, Once: 1, Cron: 1, Interval: 1}
	if st != want {
		t.Fatalf("Stats = %+v, want %+v", st, want)
	}
}
