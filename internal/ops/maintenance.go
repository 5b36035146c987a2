package ops

import (
	"context"
	"time"

	"nudgebot/internal/schedule"
	"nudgebot/internal/store"
	"nudgebot/pkg/logx"
)

// DefaultCleanupAge is how long inactive schedules are kept before Cleanup
// removes them when no explicit age is given.
const DefaultCleanupAge = 30 * 24 * time.Hour

// TestResult reports an agent-server connectivity probe.
type TestResult struct {
	BaseURL    string `json:"base_url"`
	Version    string `json:"version,omitempty"`
	Status     string `json:"status,omitempty"`
	AgentCount int    `json:"agent_count"`
}

// TestConnection probes the agent server's health endpoint and counts the
// registered agents.
func (o *Ops) TestConnection(ctx context.Context) (TestResult, error) {
	res := TestResult{BaseURL: o.api.BaseURL()}
	h, err := o.api.Health(ctx)
	if err != nil {
		return res, err
	}
	res.Version = h.Version
	res.Status = h.Status
	agents, err := o.api.ListAgents(ctx)
	if err != nil {
		return res, err
	}
	res.AgentCount = len(agents)
	return res, nil
}

// AgentInfo describes one agent on the server.
type AgentInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// ListAgents returns the agents available as delivery targets.
func (o *Ops) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	agents, err := o.api.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]AgentInfo, 0, len(agents))
	for _, a := range agents {
		infos = append(infos, AgentInfo{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			CreatedAt:   a.CreatedAt,
		})
	}
	return infos, nil
}

// CleanupResult reports a retention sweep.
type CleanupResult struct {
	Deleted int64     `json:"deleted"`
	Cutoff  time.Time `json:"cutoff"`
}

// Cleanup deletes inactive schedules created before now-olderThan. A zero
// or negative age falls back to DefaultCleanupAge. Active schedules are
// never touched.
func (o *Ops) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupResult, error) {
	if olderThan <= 0 {
		olderThan = DefaultCleanupAge
	}
	cutoff := schedule.UTC(o.now().Add(-olderThan))
	n, err := o.store.DeleteInactiveBefore(ctx, cutoff)
	if err != nil {
		return CleanupResult{}, err
	}
	if n > 0 {
		o.log.Info("cleaned up inactive schedules", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	}
	return CleanupResult{Deleted: n, Cutoff: cutoff}, nil
}

// Stats returns store-level counters.
func (o *Ops) Stats(ctx context.Context) (store.Stats, error) {
	return o.store.Stats(ctx, o.now())
}
