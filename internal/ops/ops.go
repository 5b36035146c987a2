// Package ops is the operation layer shared by the CLI and the MCP tool
// server. It validates requests, talks to the store and the agent server,
// and returns plain result structs that both frontends can render.
package ops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nudgebot/internal/delivery"
	"nudgebot/internal/executor"
	"nudgebot/internal/schedule"
	"nudgebot/internal/store"
	"nudgebot/pkg/logx"
)

// ErrInvalid marks request validation failures. Wrapped errors carry the
// detail; nothing invalid ever reaches the store.
var ErrInvalid = errors.New("invalid request")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// AgentAPI is the slice of the delivery client the ops layer needs.
type AgentAPI interface {
	AgentExists(ctx context.Context, agentID string) (bool, error)
	ListAgents(ctx context.Context) ([]delivery.Agent, error)
	Health(ctx context.Context) (delivery.Health, error)
	BaseURL() string
}

// Ops binds the store, the agent server and the executor behind one API.
type Ops struct {
	store  *store.Store
	api    AgentAPI
	runner *executor.Runner
	log    logx.Logger
	now    func() time.Time
}

func New(st *store.Store, api AgentAPI, runner *executor.Runner, log logx.Logger) *Ops {
	return &Ops{
		store:  st,
		api:    api,
		runner: runner,
		log:    log,
		now:    time.Now,
	}
}

// RegisterRequest describes a new schedule. Exactly one of Time, Cron or
// Every selects the kind.
type RegisterRequest struct {
	AgentID        string `json:"agent_id" jsonschema:"ID of the agent that receives the message"`
	Message        string `json:"message" jsonschema:"message text to deliver"`
	Time           string `json:"time,omitempty" jsonschema:"one-shot delivery time, RFC3339 or YYYY-MM-DD HH:MM[:SS] (UTC)"`
	Cron           string `json:"cron,omitempty" jsonschema:"5-field cron expression (minute hour dom month dow)"`
	Every          string `json:"every,omitempty" jsonschema:"repeat interval, seconds or Go duration (e.g. 90, 5m, 1h30m)"`
	StartAt        string `json:"start_at,omitempty" jsonschema:"first occurrence for interval schedules, must be in the future"`
	MaxRepetitions int64  `json:"max_repetitions,omitempty" jsonschema:"stop an interval schedule after this many deliveries"`
	SkipValidation bool   `json:"skip_validation,omitempty" jsonschema:"skip the agent existence check"`
}

// RegisterResult reports the stored schedule.
type RegisterResult struct {
	ID      int64     `json:"id"`
	Kind    string    `json:"kind"`
	NextRun time.Time `json:"next_run"`
}

// Register validates and stores a new schedule. The first occurrence is
// computed here; delivery happens in the executor's passes.
func (o *Ops) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return RegisterResult{}, invalidf("agent_id is required")
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return RegisterResult{}, invalidf("message is required")
	}
	kind, spec, err := specFrom(req)
	if err != nil {
		return RegisterResult{}, err
	}
	now := schedule.UTC(o.now())

	var startAt *time.Time
	if strings.TrimSpace(req.StartAt) != "" {
		if kind != schedule.KindInterval {
			return RegisterResult{}, invalidf("start_at only applies to interval schedules")
		}
		t, err := schedule.ParseAbsolute(req.StartAt)
		if err != nil {
			return RegisterResult{}, invalidf("start_at: %v", err)
		}
		if !t.After(now) {
			return RegisterResult{}, invalidf("start_at %s is not in the future", t.Format(time.RFC3339))
		}
		startAt = &t
	}

	var maxReps *int64
	if req.MaxRepetitions != 0 {
		if kind != schedule.KindInterval {
			return RegisterResult{}, invalidf("max_repetitions only applies to interval schedules")
		}
		if req.MaxRepetitions < 0 {
			return RegisterResult{}, invalidf("max_repetitions must be positive, got %d", req.MaxRepetitions)
		}
		v := req.MaxRepetitions
		maxReps = &v
	}

	if err := schedule.ValidateSpec(kind, spec, now); err != nil {
		return RegisterResult{}, invalidf("%v", err)
	}

	if !req.SkipValidation {
		ok, err := o.api.AgentExists(ctx, agentID)
		if err != nil {
			return RegisterResult{}, fmt.Errorf("validate agent: %w", err)
		}
		if !ok {
			return RegisterResult{}, invalidf("agent %q is not registered on the server", agentID)
		}
	}

	next, err := schedule.FirstRun(kind, spec, startAt, now)
	if err != nil {
		return RegisterResult{}, invalidf("%v", err)
	}

	sc := &schedule.Schedule{
		AgentID:        agentID,
		Message:        message,
		Kind:           kind,
		Spec:           spec,
		StartAt:        startAt,
		NextRun:        next,
		Active:         true,
		MaxRepetitions: maxReps,
		CreatedAt:      now,
	}
	id, err := o.store.Create(ctx, sc)
	if err != nil {
		return RegisterResult{}, err
	}
	o.log.Info("schedule registered",
		logx.Int64("id", id),
		logx.String("agent_id", agentID),
		logx.String("kind", string(kind)),
		logx.Time("next_run", next))
	return RegisterResult{ID: id, Kind: string(kind), NextRun: next}, nil
}

func specFrom(req RegisterRequest) (schedule.Kind, string, error) {
	type candidate struct {
		kind schedule.Kind
		raw  string
	}
	var picked []candidate
	for _, c := range []candidate{
		{schedule.KindOnce, req.Time},
		{schedule.KindCron, req.Cron},
		{schedule.KindInterval, req.Every},
	} {
		if strings.TrimSpace(c.raw) != "" {
			picked = append(picked, c)
		}
	}
	if len(picked) != 1 {
		return "", "", invalidf("exactly one of time, cron or every is required")
	}
	return picked[0].kind, strings.TrimSpace(picked[0].raw), nil
}

// ListRequest filters the schedule listing. Active only by default.
type ListRequest struct {
	AgentID         string `json:"agent_id,omitempty" jsonschema:"only schedules for this agent"`
	IncludeInactive bool   `json:"include_inactive,omitempty" jsonschema:"include completed and canceled schedules"`
}

// ScheduleInfo is the externally visible schedule state.
type ScheduleInfo struct {
	ID              int64      `json:"id"`
	AgentID         string     `json:"agent_id"`
	Message         string     `json:"message"`
	Kind            string     `json:"kind"`
	Spec            string     `json:"spec"`
	StartAt         *time.Time `json:"start_at,omitempty"`
	NextRun         time.Time  `json:"next_run"`
	Active          bool       `json:"active"`
	MaxRepetitions  *int64     `json:"max_repetitions,omitempty"`
	RepetitionCount int64      `json:"repetition_count"`
	FailureCount    int64      `json:"failure_count"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// List returns schedules ordered by next run time.
func (o *Ops) List(ctx context.Context, req ListRequest) ([]ScheduleInfo, error) {
	scs, err := o.store.List(ctx, store.Filter{
		AgentID:         strings.TrimSpace(req.AgentID),
		IncludeInactive: req.IncludeInactive,
	})
	if err != nil {
		return nil, err
	}
	infos := make([]ScheduleInfo, 0, len(scs))
	for _, sc := range scs {
		infos = append(infos, scheduleInfo(sc))
	}
	return infos, nil
}

func scheduleInfo(sc *schedule.Schedule) ScheduleInfo {
	return ScheduleInfo{
		ID:              sc.ID,
		AgentID:         sc.AgentID,
		Message:         sc.Message,
		Kind:            string(sc.Kind),
		Spec:            sc.Spec,
		StartAt:         sc.StartAt,
		NextRun:         sc.NextRun,
		Active:          sc.Active,
		MaxRepetitions:  sc.MaxRepetitions,
		RepetitionCount: sc.RepetitionCount,
		FailureCount:    sc.FailureCount,
		LastRun:         sc.LastRun,
		LastError:       sc.LastError,
		CreatedAt:       sc.CreatedAt,
	}
}

// CancelResult confirms a cancellation.
type CancelResult struct {
	ID       int64 `json:"id"`
	Canceled bool  `json:"canceled"`
}

// Cancel deactivates a schedule. Canceling an already inactive schedule
// succeeds; an unknown id returns store.ErrNotFound.
func (o *Ops) Cancel(ctx context.Context, id int64) (CancelResult, error) {
	if err := o.store.Cancel(ctx, id); err != nil {
		return CancelResult{}, err
	}
	o.log.Info("schedule canceled", logx.Int64("id", id))
	return CancelResult{ID: id, Canceled: true}, nil
}

// RunOnce triggers a single delivery pass outside the loop cadence.
func (o *Ops) RunOnce(ctx context.Context) (executor.Summary, error) {
	return o.runner.RunOnce(ctx)
}
