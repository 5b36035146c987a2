// Package mcpserver exposes the scheduler as MCP tools over stdio so agent
// runtimes can register and inspect schedules themselves.
package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"nudgebot/internal/executor"
	"nudgebot/internal/ops"
	"nudgebot/pkg/logx"
)

// Server wires the ops layer into an MCP stdio server.
type Server struct {
	ops     *ops.Ops
	version string
	log     logx.Logger
}

func New(o *ops.Ops, version string, log logx.Logger) *Server {
	return &Server{ops: o, version: version, log: log}
}

type cancelArgs struct {
	ID int64 `json:"id" jsonschema:"id of the schedule to cancel"`
}

type emptyArgs struct{}

type listSchedulesResult struct {
	Schedules []ops.ScheduleInfo `json:"schedules"`
}

type listAgentsResult struct {
	Agents []ops.AgentInfo `json:"agents"`
}

// Run serves tool calls on stdin/stdout until ctx is canceled or the
// client disconnects. Logging must not touch stdout while this runs.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("mcp server listening on stdio", logx.String("version", s.version))
	return s.serve(ctx, &mcp.StdioTransport{})
}

func (s *Server) serve(ctx context.Context, transport mcp.Transport) error {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "nudgebot",
		Title:   "Agent message scheduler",
		Version: s.version,
	}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "register_schedule",
		Description: "Register a message for future delivery to an agent. " +
			"Exactly one of time (one-shot), cron (5-field expression) or every (repeat interval) is required.",
	}, s.registerSchedule)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_schedules",
		Description: "List schedules ordered by next delivery time. Active only unless include_inactive is set.",
	}, s.listSchedules)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "cancel_schedule",
		Description: "Deactivate a schedule by id. Already inactive schedules cancel without error.",
	}, s.cancelSchedule)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "run_once",
		Description: "Run a single delivery pass immediately and report what was delivered.",
	}, s.runOnce)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_agents",
		Description: "List the agents available on the server as delivery targets.",
	}, s.listAgents)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "test_connection",
		Description: "Probe the agent server: health, version and agent count.",
	}, s.testConnection)

	return srv.Run(ctx, transport)
}

func (s *Server) registerSchedule(ctx context.Context, req *mcp.CallToolRequest, args ops.RegisterRequest) (*mcp.CallToolResult, ops.RegisterResult, error) {
	res, err := s.ops.Register(ctx, args)
	if err != nil {
		return nil, ops.RegisterResult{}, err
	}
	return textResult("schedule %d registered, next delivery %s", res.ID, res.NextRun.Format(time.RFC3339)), res, nil
}

func (s *Server) listSchedules(ctx context.Context, req *mcp.CallToolRequest, args ops.ListRequest) (*mcp.CallToolResult, listSchedulesResult, error) {
	infos, err := s.ops.List(ctx, args)
	if err != nil {
		return nil, listSchedulesResult{}, err
	}
	return nil, listSchedulesResult{Schedules: infos}, nil
}

func (s *Server) cancelSchedule(ctx context.Context, req *mcp.CallToolRequest, args cancelArgs) (*mcp.CallToolResult, ops.CancelResult, error) {
	res, err := s.ops.Cancel(ctx, args.ID)
	if err != nil {
		return nil, ops.CancelResult{}, err
	}
	return textResult("schedule %d canceled", res.ID), res, nil
}

func (s *Server) runOnce(ctx context.Context, req *mcp.CallToolRequest, args emptyArgs) (*mcp.CallToolResult, executor.Summary, error) {
	sum, err := s.ops.RunOnce(ctx)
	if err != nil {
		return nil, executor.Summary{}, err
	}
	return textResult("pass complete: %d claimed, %d delivered, %d transient, %d permanent",
		sum.Claimed, sum.Delivered, sum.Transient, sum.Permanent), sum, nil
}

func (s *Server) listAgents(ctx context.Context, req *mcp.CallToolRequest, args emptyArgs) (*mcp.CallToolResult, listAgentsResult, error) {
	agents, err := s.ops.ListAgents(ctx)
	if err != nil {
		return nil, listAgentsResult{}, err
	}
	return nil, listAgentsResult{Agents: agents}, nil
}

func (s *Server) testConnection(ctx context.Context, req *mcp.CallToolRequest, args emptyArgs) (*mcp.CallToolResult, ops.TestResult, error) {
	res, err := s.ops.TestConnection(ctx)
	if err != nil {
		return nil, ops.TestResult{}, err
	}
	return textResult("connected to %s (version %s, %d agents)", res.BaseURL, res.Version, res.AgentCount), res, nil
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}
