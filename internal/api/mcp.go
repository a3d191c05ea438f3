package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/qcluster/internal/pipeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline Pipeline
	Sessions *pipeline.SessionRegistry
	Version  string
}

// NewMCPServer creates an MCP server exposing message processing and the
// cluster report as tools and a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"qcluster",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("qcluster groups fan questions to a creator into clusters of similar questions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("process_message",
			mcp.WithDescription("Extract the questions in a fan message and assign each to a cluster of similar questions."),
			mcp.WithString("message", mcp.Description("The raw fan message"), mcp.Required()),
			mcp.WithString("chat_id", mcp.Description("Conversation id; messages in one chat share history")),
			mcp.WithString("user_id", mcp.Description("Sender id")),
			mcp.WithString("creator_id", mcp.Description("Creator the message was sent to")),
		),
		mcpProcessMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("list_clusters",
			mcp.WithDescription("List stored questions grouped by cluster, plus unclustered questions."),
		),
		mcpListClusters(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_clusters",
			mcp.WithDescription("Delete every stored question and cluster assignment."),
		),
		mcpClearClusters(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"clusters://report",
			"Cluster Report",
			mcp.WithResourceDescription("Current cluster report as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceReport(deps),
	)

	return s
}

func mcpProcessMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("message")
		if err != nil || text == "" {
			return mcpError("message is required"), nil
		}
		msg := pipeline.Message{
			Text:      text,
			ChatID:    req.GetString("chat_id", ""),
			UserID:    req.GetString("user_id", ""),
			CreatorID: req.GetString("creator_id", ""),
		}

		res := deps.Pipeline.ProcessMessage(ctx, deps.Sessions.Get(msg.ChatID), msg)
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListClusters(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, err := deps.Pipeline.DisplayClusters(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("list failed: %v", err)), nil
		}
		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClearClusters(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := deps.Pipeline.ClearAll(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("clear failed: %v", err)), nil
		}
		deps.Sessions.Reset()
		return mcpText(fmt.Sprintf("Deleted %d questions", n)), nil
	}
}

func mcpResourceReport(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		report, err := deps.Pipeline.DisplayClusters(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list clusters: %w", err)
		}
		b, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal report: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
