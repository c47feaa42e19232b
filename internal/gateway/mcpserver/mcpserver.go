// Package mcpserver exposes the approval registry as MCP tools so operator
// agents can request and decide approvals over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/signoff/internal/approval"
)

// Approvals is the registry surface exposed over MCP.
type Approvals interface {
	Request(ctx context.Context, subject string, opts ...approval.RequestOption) (approval.Request, error)
	Approve(ctx context.Context, id int64, approver, comment string) error
	Reject(ctx context.Context, id int64, approver, comment string) error
	Get(ctx context.Context, id int64) (approval.Request, error)
	List(ctx context.Context, f approval.ListFilter) ([]approval.Request, error)
}

// Server serves approval tools. Decisions are made as identity, the operator
// the MCP session runs on behalf of.
type Server struct {
	approvals Approvals
	identity  string
	logger    *slog.Logger
	mcp       *server.MCPServer
}

// New creates a Server and registers its tools.
func New(approvals Approvals, identity, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		approvals: approvals,
		identity:  identity,
		logger:    logger,
		mcp:       server.NewMCPServer("signoff", version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server (in-process clients, custom transports).
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting", slog.String("identity", s.identity))
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("approval_request",
		mcp.WithDescription("Create a pending approval request for a unit of work."),
		mcp.WithString("subject", mcp.Required(), mcp.Description("Reference to the unit of work, e.g. a report id.")),
		mcp.WithString("assigned_to", mcp.Description("Only this approver may decide. Empty = anyone.")),
		mcp.WithString("note", mcp.Description("Context for the approver, e.g. what changed since the last review.")),
	), s.handleRequest)

	s.mcp.AddTool(mcp.NewTool("approval_approve",
		mcp.WithDescription("Approve a pending approval request."),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Approval ID.")),
		mcp.WithString("comment", mcp.Description("Optional comment recorded with the decision.")),
	), s.handleApprove)

	s.mcp.AddTool(mcp.NewTool("approval_reject",
		mcp.WithDescription("Reject a pending approval request."),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Approval ID.")),
		mcp.WithString("comment", mcp.Description("Optional comment recorded with the decision.")),
	), s.handleReject)

	s.mcp.AddTool(mcp.NewTool("approval_get",
		mcp.WithDescription("Get an approval request by ID."),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Approval ID.")),
	), s.handleGet)

	s.mcp.AddTool(mcp.NewTool("approval_list",
		mcp.WithDescription("List approval requests, optionally filtered."),
		mcp.WithString("status", mcp.Description("Filter by status."), mcp.Enum("pending", "approved", "rejected")),
		mcp.WithString("subject", mcp.Description("Filter by exact subject.")),
	), s.handleList)
}

func (s *Server) handleRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subject, err := req.RequireString("subject")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.approvals.Request(ctx, subject,
		approval.WithSubmitter(s.identity),
		approval.WithAssignee(req.GetString("assigned_to", "")),
		approval.WithNote(req.GetString("note", "")),
	)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.decide(ctx, req, approval.StatusApproved)
}

func (s *Server) handleReject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.decide(ctx, req, approval.StatusRejected)
}

func (s *Server) decide(ctx context.Context, req mcp.CallToolRequest, target approval.Status) (*mcp.CallToolResult, error) {
	id, err := requireID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	comment := req.GetString("comment", "")

	if target == approval.StatusApproved {
		err = s.approvals.Approve(ctx, id, s.identity, comment)
	} else {
		err = s.approvals.Reject(ctx, id, s.identity, comment)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "mcp decision refused",
			slog.Int64("approval_id", id),
			slog.String("status", target.String()),
			slog.String("error", err.Error()),
		)
		return toolError(err), nil
	}

	rec, err := s.approvals.Get(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.approvals.Get(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var f approval.ListFilter
	if raw := req.GetString("status", ""); raw != "" {
		status, err := approval.ParseStatus(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		f.Status = status
	}
	f.Subject = req.GetString("subject", "")
	records, err := s.approvals.List(ctx, f)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(records)
}

// requireID reads the numeric id argument. JSON numbers arrive as float64.
func requireID(req mcp.CallToolRequest) (int64, error) {
	v, err := req.RequireFloat("id")
	if err != nil {
		return 0, err
	}
	if v <= 0 || v != math.Trunc(v) || v > math.MaxInt64 {
		return 0, fmt.Errorf("id must be a positive integer")
	}
	return int64(v), nil
}

// toolError reports domain failures as tool results so the calling agent can react.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return mcp.NewToolResultError("approval not found")
	case errors.Is(err, approval.ErrAlreadyDecided):
		return mcp.NewToolResultError("approval already decided")
	case errors.Is(err, approval.ErrNotAssignee):
		return mcp.NewToolResultError("approval is assigned to another approver")
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
