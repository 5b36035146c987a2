package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Agent is the subset of the server's agent record the scheduler needs.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Health is the server's health report.
type Health struct {
	Version string `json:"version"`
	Status  string `json:"status"`
}

// ListAgents returns every agent the server knows about.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.getJSON(ctx, "/v1/agents/", &agents); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// AgentExists checks whether the named agent is registered on the server.
// A 404 is a definite no; any other failure is returned as an error so
// callers do not mistake an unreachable server for a missing agent.
func (c *Client) AgentExists(ctx context.Context, agentID string) (bool, error) {
	err := c.getJSON(ctx, "/v1/agents/"+url.PathEscape(agentID), &struct{}{})
	if err == nil {
		return true, nil
	}
	var ae *apiError
	if errors.As(err, &ae) && ae.status == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("check agent %s: %w", agentID, err)
}

// Health probes the server's health endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.getJSON(ctx, "/v1/health/", &h); err != nil {
		return Health{}, fmt.Errorf("health check: %w", err)
	}
	return h, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	st := c.state()
	if err := st.wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.cfg.BaseURL+path, nil)
	if err != nil {
		return permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := st.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(resp)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
