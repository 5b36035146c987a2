package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nudgebot/internal/delivery"
	"nudgebot/internal/schedule"
	"nudgebot/internal/store"
	"nudgebot/pkg/logx"
)

type fakeDeliverer struct {
	mu       sync.Mutex
	outcomes map[string]delivery.Outcome
	panics   map[string]bool
	calls    []string
}

func (f *fakeDeliverer) Deliver(ctx context.Context, agentID, message string) delivery.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, agentID)
	f.mu.Unlock()
	if f.panics[agentID] {
		panic("deliverer blew up for " + agentID)
	}
	if out, ok := f.outcomes[agentID]; ok {
		return out
	}
	return delivery.Outcome{Status: delivery.StatusDelivered, Attempts: 1}
}

func (f *fakeDeliverer) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestRunner(t *testing.T, cfg Config, now time.Time) (*Runner, *store.Store, *fakeDeliverer) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := &fakeDeliverer{
		outcomes: map[string]delivery.Outcome{},
		panics:   map[string]bool{},
	}
	r := NewRunner(cfg, st, fake, logx.Nop())
	r.now = func() time.Time { return now }
	return r, st, fake
}

func create(t *testing.T, st *store.Store, sc *schedule.Schedule) int64 {
	t.Helper()
	if sc.Message == "" {
		sc.Message = "ping"
	}
	sc.Active = true
	id, err := st.Create(context.Background(), sc)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return id
}

func TestRunOnceDeliversOldestFirst(t *testing.T) {
	t.Parallel()

	now := ts("2025-03-01T10:31:02Z")
	r, st, fake := newTestRunner(t, Config{}, now)
	ctx := context.Background()

	create(t, st, &schedule.Schedule{AgentID: "late", Kind: schedule.KindInterval, Spec: "60", NextRun: ts("2025-03-01T10:30:00Z")})
	create(t, st, &schedule.Schedule{AgentID: "early", Kind: schedule.KindInterval, Spec: "60", NextRun: ts("2025-03-01T10:28:00Z")})
	create(t, st, &schedule.Schedule{AgentID: "middle", Kind: schedule.KindInterval, Spec: "60", NextRun: ts("2025-03-01T10:29:00Z")})
	futureID := create(t, st, &schedule.Schedule{AgentID: "future", Kind: schedule.KindInterval, Spec: "60", NextRun: ts("2025-03-01T11:00:00Z")})

	sum, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if sum.Claimed != 3 || sum.Delivered != 3 {
		t.Errorf("summary = %+v, want claimed 3 delivered 3", sum)
	}
	wantOrder := []string{"early", "middle", "late"}
	if got := fake.callOrder(); !equalStrings(got, wantOrder) {
		t.Errorf("delivery order = %v, want %v", got, wantOrder)
	}

	fut, err := st.Get(ctx, futureID)
	if err != nil {
		t.Fatalf("Get(future) error = %v", err)
	}
	if !fut.NextRun.Equal(ts("2025-03-01T11:00:00Z")) || fut.RepetitionCount != 0 {
		t.Errorf("future schedule was touched: %+v", fut)
	}
}

func TestRunOnceEmptyPass(t *testing.T) {
	t.Parallel()

	r, _, fake := newTestRunner(t, Config{}, ts("2025-03-01T10:00:00Z"))
	sum, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if sum.Claimed != 0 || len(sum.Results) != 0 {
		t.Errorf("summary = %+v, want empty", sum)
	}
	if calls := fake.callOrder(); len(calls) != 0 {
		t.Errorf("deliverer called %d times on empty pass, want 0", len(calls))
	}
}

func TestRunOnceAdvancesDeliveredSchedules(t *testing.T) {
	t.Parallel()

	now := ts("2025-03-01T10:31:02Z")
	r, st, _ := newTestRunner(t, Config{}, now)
	ctx := context.Background()

	cronID := create(t, st, &schedule.Schedule{AgentID: "a", Kind: schedule.KindCron, Spec: "*/15 * * * *", NextRun: ts("2025-03-01T10:30:00Z")})
	intID := create(t, st, &schedule.Schedule{AgentID: "b", Kind: schedule.KindInterval, Spec: "90", NextRun: ts("2025-03-01T10:30:00Z")})

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	cronSc, _ := st.Get(ctx, cronID)
	if !cronSc.NextRun.Equal(ts("2025-03-01T10:45:00Z")) {
		t.Errorf("cron NextRun = %v, want 10:45:00", cronSc.NextRun)
	}
	if cronSc.RepetitionCount != 1 || !cronSc.Active {
		t.Errorf("cron state = reps %d active %v, want 1 true", cronSc.RepetitionCount, cronSc.Active)
	}

	intSc, _ := st.Get(ctx, intID)
	if !intSc.NextRun.Equal(ts("2025-03-01T10:32:32Z")) {
		t.Errorf("interval NextRun = %v, want 10:32:32 (delivery time + 90s)", intSc.NextRun)
	}
	if intSc.LastRun == nil || !intSc.LastRun.Equal(ts("2025-03-01T10:31:02Z")) {
		t.Errorf("interval LastRun = %v, want delivery time", intSc.LastRun)
	}
}

func TestRunOnceOnceKindSingleAttempt(t *testing.T) {
	t.Parallel()

	now := ts("2025-03-01T10:31:02Z")
	r, st, fake := newTestRunner(t, Config{}, now)
	ctx := context.Background()

	okID := create(t, st, &schedule.Schedule{AgentID: "ok", Kind: schedule.KindOnce, Spec: "2025-03-01T10:30:00Z", NextRun: ts("2025-03-01T10:30:00Z")})
	failID := create(t, st, &schedule.Schedule{AgentID: "flaky", Kind: schedule.KindOnce, Spec: "2025-03-01T10:30:00Z", NextRun: ts("2025-03-01T10:30:00Z")})
	fake.outcomes["flaky"] = delivery.Outcome{Status: delivery.StatusTransient, Reason: "agent server returned 503", Attempts: 3}

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	okSc, _ := st.Get(ctx, okID)
	if okSc.Active {
		t.Error("delivered once schedule still active, want deactivated")
	}
	failSc, _ := st.Get(ctx, failID)
	if failSc.Active {
		t.Error("failed once schedule still active, want deactivated after its single attempt")
	}
	if failSc.FailureCount != 1 || !strings.Contains(failSc.LastError, "503") {
		t.Errorf("failed once schedule = failures %d lastError %q, want 1 and a 503 mention", failSc.FailureCount, failSc.LastError)
	}

	// Neither may come due again.
	sum, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if sum.Claimed != 0 {
		t.Errorf("second pass claimed %d schedules, want 0", sum.Claimed)
	}
}

func TestRunOnceTransientKeepsSlotForNextPass(t *testing.T) {
	t.Parallel()

	now := ts("2025-03-01T10:31:02Z")
	r, st, fake := newTestRunner(t, Config{}, now)
	ctx := context.Background()

	id := create(t, st, &schedule.Schedule{AgentID: "flaky", Kind: schedule.KindInterval, Spec: "60", NextRun: ts("2025-03-01T10:30:00Z")})
	fake.outcomes["flaky"] = delivery.Outcome{Status: delivery.StatusTransient, Reason: "connection refused", Attempts: 3}

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	sc, _ := st.Get(ctx, id)
	if !sc.Active || !sc.NextRun.Equal(ts("2025-03-01T10:30:00Z")) || sc.FailureCount != 1 {
		t.Errorf("after transient: active %v nextRun %v failures %d, want true 10:30:00 1", sc.Active, sc.NextRun, sc.FailureCount)
	}

	// The slot is still due and unclaimed, so the next pass retries it.
	fake.outcomes["flaky"] = delivery.Outcome{Status: delivery.StatusDelivered, Attempts: 1}
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	sc, _ = st.Get(ctx, id)
	if sc.FailureCount != 0 || sc.RepetitionCount != 1 {
		t.Errorf("after recovery: failures %d reps %d, want 0 and 1", sc.FailureCount, sc.RepetitionCount)
	}
	if got := fake.callOrder(); len(got) != 2 {
		t.Errorf("deliverer calls = %d, want 2", len(got))
	}
}

func TestRunOnceConcurrentPassesDeliverOnce(t *testing.T) {
	t.Parallel()

	now := ts("2025-03-01T10:31:02Z")
	r, st, fake := newTestRunner(t, Config{}, now)
	ctx := context.Background()

	create(t, st, &schedule.Schedule{AgentID: "solo", Kind: schedule.KindInterval, Spec: "60", NextRun: ts("2025-03-01T10:30:00Z")})

	var wg sync.WaitGroup
	sums := make([]Summary, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sum, err := r.RunOnce(ctx)
			if err != nil {
				t.Errorf("RunOnce() error = %v", err)
			}
			sums[i] = sum
		}(i)
	}
	wg.Wait()

	// The claim transaction serializes the passes: one wins the row,
	// the other sees it in flight.
	if got := len(fake.callOrder()); got != 1 {
		t.Fatalf("deliveries = %d, want exactly 1 for one due occurrence", got)
	}
	if sums[0].Delivered+sums[1].Delivered != 1 {
		t.Errorf("summaries = %+v / %+v, want one delivery between them", sums[0], sums[1])
	}
}

func TestRunOncePermanentDeactivates(t *testing.T) {
	t.Parallel()

	now := ts("2025-03-01T10:31:02Z")
	r, st, fake := newTestRunner(t, Config{}, now)
	ctx := context.Background()

	id := create(t, st, &schedule.Schedule{AgentID: "gone", Kind: schedule.KindCron, Spec: "*/15 * * * *", NextRun: ts("2025-03-01T10:30:00Z")})
	fake.outcomes["gone"] = delivery.Outcome{Status: delivery.StatusPermanent, Reason: "agent not found: agent server returned 404", Attempts: 1}

	sum, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if sum.Permanent != 1 || sum.Deactivated != 1 {
		t.Errorf("summary = %+v, want permanent 1 deactivated 1", sum)
	}
	sc, _ := st.Get(ctx, id)
	if sc.Active {
		t.Error("schedule still active after permanent failure")
	}
	if !strings.Contains(sc.LastError, "agent not found") {
		t.Errorf("LastError = %q, want agent-not-found reason", sc.LastError)
	}
}

func TestRunOnceFailureIsolation(t *testing.T) {
	t.Parallel()

	now := ts("2025-03-01T10:31:02Z")
	r, st, fake := newTestRunner(t, Config{}, now)
	ctx := context.Background()

	create(t, st, &schedule.Schedule{AgentID: "poison", Kind: schedule.KindInterval, Spec: "60", NextRun: ts("2025-03-01T10:29:00Z")})
	okID := create(t, st, &schedule.Schedule{AgentID: "healthy", Kind: schedule.KindInterval, Spec: "60", NextRun: ts("2025-03-01T10:30:00Z")})
	fake.panics["poison"] = true

	sum, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if sum.Delivered != 1 || sum.Transient != 1 {
		t.Errorf("summary = %+v, want delivered 1 transient 1", sum)
	}
	okSc, _ := st.Get(ctx, okID)
	if okSc.RepetitionCount != 1 {
		t.Errorf("healthy schedule reps = %d, want 1 despite the poisoned neighbor", okSc.RepetitionCount)
	}
}

func TestRunOnceEscalatesConsecutiveFailures(t *testing.T) {
	t.Parallel()

	now := ts("2025-03-01T10:31:02Z")
	r, st, fake := newTestRunner(t, Config{MaxConsecutiveFailures: 2}, now)
	ctx := context.Background()

	id := create(t, st, &schedule.Schedule{AgentID: "flaky", Kind: schedule.KindInterval, Spec: "60", NextRun: ts("2025-03-01T10:30:00Z")})
	fake.outcomes["flaky"] = delivery.Outcome{Status: delivery.StatusTransient, Reason: "timeout", Attempts: 3}

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("first RunOnce() error = %v", err)
	}
	sc, _ := st.Get(ctx, id)
	if !sc.Active || sc.FailureCount != 1 {
		t.Fatalf("after first failure: active %v failures %d, want true 1", sc.Active, sc.FailureCount)
	}

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	sc, _ = st.Get(ctx, id)
	if sc.Active || sc.FailureCount != 2 {
		t.Errorf("after second failure: active %v failures %d, want false 2", sc.Active, sc.FailureCount)
	}
	if !strings.Contains(sc.LastError, "consecutive failures") {
		t.Errorf("LastError = %q, want consecutive-failures note", sc.LastError)
	}
}

func TestRunLoop(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRunner(t, Config{Interval: 10 * time.Millisecond}, time.Now().UTC())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx, 0) }()

	// Wait for the loop to take the guard, then verify exclusivity.
	deadline := time.After(2 * time.Second)
	for !r.looping.Load() {
		select {
		case <-deadline:
			t.Fatal("loop never started")
		case <-time.After(time.Millisecond):
		}
	}
	if err := r.Run(ctx, 0); !errors.Is(err, ErrLoopActive) {
		t.Fatalf("concurrent Run() error = %v, want ErrLoopActive", err)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	// Guard must be free again once the loop exits.
	ctx2, cancel2 := context.WithCancel(context.Background())
	go func() { errCh <- r.Run(ctx2, 0) }()
	time.Sleep(20 * time.Millisecond)
	cancel2()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("restarted Run did not stop after cancel")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
