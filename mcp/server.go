package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/fieldsync"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with fieldsync tools.
type Server struct {
	client    *fieldsync.Client
	mcpServer *server.MCPServer
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// NewServer creates a new MCP server with fieldsync tools registered.
func NewServer(client *fieldsync.Client) *Server {
	s := &Server{client: client}

	s.mcpServer = server.NewMCPServer(
		"fieldsync",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// Run serves MCP over stdin/stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "fieldsync_status", Description: "Report sync state, polling tier, outbox counts and local record counts"},
		{Name: "fieldsync_outbox", Description: "List pending operations in replay order"},
		{Name: "fieldsync_retry", Description: "Requeue a failed operation"},
		{Name: "fieldsync_discard", Description: "Discard a failed operation"},
		{Name: "fieldsync_sync", Description: "Run a delta check (or full sync) and drain the outbox now"},
		{Name: "fieldsync_record", Description: "Create a record locally and queue it for replay"},
	}
}

// CallTool executes a tool by name with the given arguments.
// This is used for testing and direct invocation.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "fieldsync_status":
		return s.handleStatus(ctx, args)
	case "fieldsync_outbox":
		return s.handleOutbox(ctx, args)
	case "fieldsync_retry":
		return s.handleRetry(ctx, args)
	case "fieldsync_discard":
		return s.handleDiscard(ctx, args)
	case "fieldsync_sync":
		return s.handleSync(ctx, args)
	case "fieldsync_record":
		return s.handleRecord(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("fieldsync_status",
		mcp.WithDescription("Report the sync state, polling tier, last error, outbox counts and local record counts. Read-only."),
	), s.wrap(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("fieldsync_outbox",
		mcp.WithDescription("List pending operations in replay order. Failed operations need fieldsync_retry or fieldsync_discard."),
		mcp.WithString("status",
			mcp.Description("Filter by status: queued, in-flight or failed (default: all unapplied)"),
		),
	), s.wrap(s.handleOutbox))

	s.mcpServer.AddTool(mcp.NewTool("fieldsync_retry",
		mcp.WithDescription("Requeue a failed operation with its retry counter reset."),
		mcp.WithNumber("id",
			mcp.Description("Operation id from fieldsync_outbox"),
			mcp.Required(),
		),
	), s.wrap(s.handleRetry))

	s.mcpServer.AddTool(mcp.NewTool("fieldsync_discard",
		mcp.WithDescription("Discard a failed operation. Discarding a failed create also drops the record that was never created on the server."),
		mcp.WithNumber("id",
			mcp.Description("Operation id from fieldsync_outbox"),
			mcp.Required(),
		),
	), s.wrap(s.handleDiscard))

	s.mcpServer.AddTool(mcp.NewTool("fieldsync_sync",
		mcp.WithDescription("Pull changed collections and replay queued operations now. Requires a server URL and an active session."),
		mcp.WithString("mode",
			mcp.Description("delta (default) refetches changed collections; full refetches everything"),
		),
	), s.wrap(s.handleSync))

	s.mcpServer.AddTool(mcp.NewTool("fieldsync_record",
		mcp.WithDescription("Create a record locally. It is readable immediately and replayed to the server when online."),
		mcp.WithString("entity_type",
			mcp.Description("Collection: actors, conventions, calendars, transactions, campaigns or locations"),
			mcp.Required(),
		),
		mcp.WithString("payload",
			mcp.Description("Record body as a JSON object"),
			mcp.Required(),
		),
		mcp.WithString("natural_key",
			mcp.Description("Business key the server enforces as unique; makes replay of the create idempotent"),
		),
	), s.wrap(s.handleRecord))
}

type handlerFunc func(ctx context.Context, args map[string]any) (*ToolResult, error)

// wrap adapts an internal handler to the mcp-go handler signature.
func (s *Server) wrap(h handlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

// Internal handlers

func (s *Server) handleStatus(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	stats, err := s.client.Stats(ctx)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("status failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: formatStatus(s.client.Status(), stats)}, nil
}

func (s *Server) handleOutbox(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var (
		ops []fieldsync.PendingOperation
		err error
	)
	switch status, _ := args["status"].(string); status {
	case "":
		ops, err = s.client.Pending(ctx)
	case string(fieldsync.StatusQueued), string(fieldsync.StatusInFlight), string(fieldsync.StatusFailed):
		ops, err = s.client.Operations(ctx, fieldsync.OperationStatus(status))
	default:
		return &ToolResult{Content: fmt.Sprintf("invalid status: %s", status), IsError: true}, nil
	}
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("outbox failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: formatOperations(ops)}, nil
}

func (s *Server) handleRetry(ctx context.Context, args map[string]any) (*ToolResult, error) {
	id, ok := operationID(args)
	if !ok {
		return &ToolResult{Content: "id is required", IsError: true}, nil
	}
	if err := s.client.RetryOperation(ctx, id); err != nil {
		return &ToolResult{Content: fmt.Sprintf("retry failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Operation #%d requeued.", id)}, nil
}

func (s *Server) handleDiscard(ctx context.Context, args map[string]any) (*ToolResult, error) {
	id, ok := operationID(args)
	if !ok {
		return &ToolResult{Content: "id is required", IsError: true}, nil
	}
	if err := s.client.DiscardOperation(ctx, id); err != nil {
		return &ToolResult{Content: fmt.Sprintf("discard failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Operation #%d discarded.", id)}, nil
}

func (s *Server) handleSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	mode, _ := args["mode"].(string)
	if mode != "" && mode != "delta" && mode != "full" {
		return &ToolResult{Content: fmt.Sprintf("invalid mode: %s", mode), IsError: true}, nil
	}

	report, err := s.client.Sync(ctx, mode == "full")
	switch {
	case errors.Is(err, fieldsync.ErrOffline):
		return &ToolResult{Content: "sync unavailable: no server configured", IsError: true}, nil
	case errors.Is(err, fieldsync.ErrNoSession):
		return &ToolResult{Content: "sync unavailable: no active session", IsError: true}, nil
	case err != nil && report == nil:
		return &ToolResult{Content: fmt.Sprintf("sync failed: %v", err), IsError: true}, nil
	}

	out := formatSyncReport(report)
	if err != nil {
		return &ToolResult{Content: out + "\nErrors: " + err.Error(), IsError: true}, nil
	}
	return &ToolResult{Content: out}, nil
}

func (s *Server) handleRecord(ctx context.Context, args map[string]any) (*ToolResult, error) {
	et, _ := args["entity_type"].(string)
	if et == "" {
		return &ToolResult{Content: "entity_type is required", IsError: true}, nil
	}
	payload, _ := args["payload"].(string)
	if payload == "" {
		return &ToolResult{Content: "payload is required", IsError: true}, nil
	}
	naturalKey, _ := args["natural_key"].(string)

	rec, err := s.client.Create(ctx, fieldsync.CreateParams{
		EntityType: fieldsync.EntityType(et),
		Payload:    json.RawMessage(payload),
		NaturalKey: naturalKey,
	})
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("record failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Recorded %s [%s], queued for replay.", rec.EntityType, rec.LocalID())}, nil
}

// operationID reads the numeric id argument. JSON numbers arrive as float64.
func operationID(args map[string]any) (int64, bool) {
	switch v := args["id"].(type) {
	case float64:
		return int64(v), v > 0
	case int:
		return int64(v), v > 0
	case int64:
		return v, v > 0
	}
	return 0, false
}

// Formatting functions

func formatStatus(st fieldsync.SyncStatus, stats *fieldsync.StoreStats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "State: %s (tier %s)\n", st.State, st.Polling.Tier)
	if !st.Polling.LastCheckAt.IsZero() {
		fmt.Fprintf(&sb, "Last check: %s\n", st.Polling.LastCheckAt.Format(time.RFC3339))
	}
	if !st.LastDrainAt.IsZero() {
		fmt.Fprintf(&sb, "Last drain: %s\n", st.LastDrainAt.Format(time.RFC3339))
	}
	if st.LastError != "" {
		fmt.Fprintf(&sb, "Last error: %s\n", st.LastError)
	}
	fmt.Fprintf(&sb, "Outbox: %d queued, %d in flight, %d failed\n", stats.Queued, stats.InFlight, stats.Failed)
	if st.QueueWarning {
		sb.WriteString("Warning: outbox is nearly full\n")
	}
	if st.ForcedFullSync {
		sb.WriteString("A full sync is pending\n")
	}
	sb.WriteString("Records:\n")
	for _, et := range fieldsync.EntityTypes() {
		fmt.Fprintf(&sb, "  %-13s %d\n", et, stats.Records[et])
	}
	fmt.Fprintf(&sb, "Dirty: %d, conflict: %d", stats.Dirty, stats.Conflict)
	return sb.String()
}

func formatOperations(ops []fieldsync.PendingOperation) string {
	if len(ops) == 0 {
		return "Outbox is empty."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pending operations:\n\n", len(ops))
	for _, op := range ops {
		fmt.Fprintf(&sb, "#%d %s %s %s [%s]", op.ID, op.Type, op.EntityType, op.Target.LocalID(), op.Status)
		if op.Action != "" {
			fmt.Fprintf(&sb, " action=%s", op.Action)
		}
		if op.RetryCount > 0 {
			fmt.Fprintf(&sb, " retries=%d", op.RetryCount)
		}
		sb.WriteString("\n")
		if op.LastError != "" {
			fmt.Fprintf(&sb, "    %s: %s\n", op.ErrorKind, truncate(op.LastError, 200))
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatSyncReport(r *fieldsync.SyncReport) string {
	var sb strings.Builder
	sb.WriteString("Sync completed:\n")
	if r.Check != nil {
		if len(r.Check.Refetched) == 0 {
			sb.WriteString("  Pull: no collection changed\n")
		} else {
			names := make([]string, len(r.Check.Refetched))
			for i, et := range r.Check.Refetched {
				names[i] = string(et)
			}
			fmt.Fprintf(&sb, "  Pull: refetched %s\n", strings.Join(names, ", "))
		}
	}
	if r.Drain != nil {
		fmt.Fprintf(&sb, "  Push: %d applied, %d retried, %d failed", r.Drain.Applied, r.Drain.Retried, r.Drain.Failed)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
