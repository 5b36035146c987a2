package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"nudgebot/internal/delivery"
	"nudgebot/internal/schedule"
	"nudgebot/internal/store"
	"nudgebot/pkg/logx"
)

// Deliverer sends one message to one agent. Satisfied by *delivery.Client.
type Deliverer interface {
	Deliver(ctx context.Context, agentID, message string) delivery.Outcome
}

// Config controls pass cadence and claim behavior.
// The app layer maps config.executor into this struct.
type Config struct {
	Interval       time.Duration
	BatchLimit     int
	ClaimTTL       time.Duration
	DeliverTimeout time.Duration

	// MaxConsecutiveFailures deactivates a schedule once its failure count
	// reaches this ceiling. 0 keeps retrying forever.
	MaxConsecutiveFailures int64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 5 * time.Minute
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 2 * time.Minute
	}
	return c
}

// Result records how one claimed schedule fared in a pass.
type Result struct {
	ID      int64           `json:"id"`
	AgentID string          `json:"agent_id"`
	Kind    schedule.Kind   `json:"kind"`
	Status  delivery.Status `json:"-"`
	Outcome string          `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
	NextRun time.Time       `json:"next_run"`
	Active  bool            `json:"active"`
}

// Summary aggregates one pass.
type Summary struct {
	Claimed     int      `json:"claimed"`
	Delivered   int      `json:"delivered"`
	Transient   int      `json:"transient_failures"`
	Permanent   int      `json:"permanent_failures"`
	Deactivated int      `json:"deactivated"`
	ClaimLost   int      `json:"claim_lost"`
	Results     []Result `json:"results,omitempty"`
}

// ErrLoopActive is returned by Run when another loop already owns the store.
var ErrLoopActive = errors.New("executor: delivery loop already running")

// Runner executes delivery passes against one store and one deliverer.
type Runner struct {
	mu    sync.Mutex
	cfg   Config
	store *store.Store
	dlv   Deliverer
	log   logx.Logger
	now   func() time.Time

	looping  atomic.Bool
	interval atomic.Int64
}

func NewRunner(cfg Config, st *store.Store, dlv Deliverer, log logx.Logger) *Runner {
	r := &Runner{
		cfg:   cfg.withDefaults(),
		store: st,
		dlv:   dlv,
		log:   log,
		now:   time.Now,
	}
	r.interval.Store(int64(r.cfg.Interval))
	return r
}

// Apply swaps the pass configuration. The interval change takes effect
// after the current sleep; everything else applies from the next pass.
func (r *Runner) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.interval.Store(int64(cfg.Interval))
}

func (r *Runner) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Config returns the effective pass configuration after defaults.
func (r *Runner) Config() Config { return r.config() }

// RunOnce performs a single pass: claim everything due, deliver oldest
// first, write back advanced state. A failure on one schedule never blocks
// the rest of the batch. The returned error covers pass-level problems
// (claim query failed, context canceled); per-schedule failures are
// reported through the Summary.
func (r *Runner) RunOnce(ctx context.Context) (Summary, error) {
	cfg := r.config()
	now := schedule.UTC(r.now())
	claimed, claimedAt, err := r.store.ClaimDue(ctx, now, cfg.ClaimTTL, cfg.BatchLimit)
	if err != nil {
		return Summary{}, fmt.Errorf("claim due schedules: %w", err)
	}
	sum := Summary{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return sum, nil
	}
	r.log.Debug("pass claimed schedules", logx.Int("count", len(claimed)))

	for i, sc := range claimed {
		if ctx.Err() != nil {
			r.releaseRest(claimed[i:])
			return sum, ctx.Err()
		}
		res := r.processOne(ctx, sc, claimedAt, now, cfg)
		sum.Results = append(sum.Results, res)
		switch res.Status {
		case delivery.StatusDelivered:
			sum.Delivered++
		case delivery.StatusPermanent:
			sum.Permanent++
		default:
			sum.Transient++
		}
		if sc.Active && !res.Active {
			sum.Deactivated++
		}
		if res.Outcome == outcomeClaimLost {
			sum.ClaimLost++
		}
	}
	return sum, nil
}

const outcomeClaimLost = "claim_lost"

func (r *Runner) processOne(ctx context.Context, sc *schedule.Schedule, claimedAt, now time.Time, cfg Config) Result {
	out := r.deliver(ctx, sc, cfg.DeliverTimeout)
	fin := Advance(sc, now, out, cfg.MaxConsecutiveFailures)

	res := Result{
		ID:      sc.ID,
		AgentID: sc.AgentID,
		Kind:    sc.Kind,
		Status:  out.Status,
		Outcome: out.Status.String(),
		Reason:  out.Reason,
		NextRun: fin.NextRun,
		Active:  fin.Active,
	}

	switch err := r.store.Finish(ctx, sc.ID, claimedAt, fin); {
	case err == nil:
	case errors.Is(err, store.ErrClaimLost):
		// Another pass took the row over after our claim went stale. Its
		// state wins; we only note that ours was dropped.
		r.log.Warn("claim lost before finish", logx.Int64("schedule_id", sc.ID))
		res.Outcome = outcomeClaimLost
	case errors.Is(err, store.ErrNotFound):
		r.log.Warn("schedule vanished mid-pass", logx.Int64("schedule_id", sc.ID))
	default:
		r.log.Error("persist pass result", logx.Int64("schedule_id", sc.ID), logx.Err(err))
	}

	ev := r.log.Info
	if out.Status != delivery.StatusDelivered {
		ev = r.log.Warn
	}
	ev("schedule processed",
		logx.Int64("schedule_id", sc.ID),
		logx.String("agent_id", sc.AgentID),
		logx.String("kind", string(sc.Kind)),
		logx.String("outcome", out.Status.String()),
		logx.Int("attempts", out.Attempts),
		logx.Bool("active", fin.Active))
	return res
}

// deliver runs one delivery under a timeout, converting a panic in the
// client into a transient failure so one poisoned schedule cannot take the
// whole pass down.
func (r *Runner) deliver(ctx context.Context, sc *schedule.Schedule, timeout time.Duration) (out delivery.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("delivery panicked",
				logx.Int64("schedule_id", sc.ID), logx.Any("panic", p),
				logx.Stack(string(debug.Stack())))
			out = delivery.Outcome{
				Status: delivery.StatusTransient,
				Reason: fmt.Sprintf("delivery panic: %v", p),
			}
		}
	}()
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.dlv.Deliver(dctx, sc.AgentID, sc.Message)
}

// Run executes passes at the given interval until ctx is canceled. The
// first pass runs immediately. Only one loop may drive a store at a time;
// a second call returns ErrLoopActive while the first is still going.
// Pass-level errors are logged and the loop keeps its cadence.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	if !r.looping.CompareAndSwap(false, true) {
		return ErrLoopActive
	}
	defer r.looping.Store(false)
	if interval > 0 {
		r.interval.Store(int64(interval))
	}

	for {
		sum, err := r.RunOnce(ctx)
		switch {
		case err == nil:
			if sum.Claimed > 0 {
				r.log.Info("pass complete",
					logx.Int("claimed", sum.Claimed),
					logx.Int("delivered", sum.Delivered),
					logx.Int("transient", sum.Transient),
					logx.Int("permanent", sum.Permanent),
					logx.Int("deactivated", sum.Deactivated))
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		default:
			r.log.Error("pass failed", logx.Err(err))
		}

		timer := time.NewTimer(time.Duration(r.interval.Load()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// SetInterval changes the sleep between passes. Takes effect after the
// current sleep finishes.
func (r *Runner) SetInterval(d time.Duration) {
	if d > 0 {
		r.interval.Store(int64(d))
	}
}

func (r *Runner) releaseRest(rest []*schedule.Schedule) {
	ids := make([]int64, 0, len(rest))
	for _, sc := range rest {
		ids = append(ids, sc.ID)
	}
	// Claims expire on their own; an early release just lets the next pass
	// pick the rows up sooner.
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.store.ReleaseClaims(rctx, ids)
}
