package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/bizq/internal/conversation"
	"github.com/kalambet/bizq/internal/intent"
	"github.com/kalambet/bizq/internal/pipeline"
)

const recentTurnsLimit = 10

// MCPDeps holds dependencies for the MCP server. History and Turns are
// optional; their resources are only registered when set.
type MCPDeps struct {
	Pipeline Asker
	Sessions *conversation.Manager
	History  HistorySource
	Turns    TurnLog
	Version  string
}

// NewMCPServer creates an MCP server exposing the question pipeline as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"bizq",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("bizq answers plain-language questions about the business database (orders, menu, customers). Reuse session_id to ask follow-up questions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question about the business data. Returns the answer text, the SQL that was run, and the rows as JSON."),
			mcp.WithString("question", mcp.Description("The question in plain language"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Conversation to continue; omit to start a new one")),
			mcp.WithString("category", mcp.Description("Force a category instead of classifying"), mcp.Enum(intent.Categories...)),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("reset_session",
			mcp.WithDescription("Forget the context of a conversation."),
			mcp.WithString("session_id", mcp.Description("Conversation to reset"), mcp.Required()),
		),
		mcpResetSession(deps),
	)

	if deps.History != nil {
		s.AddResource(
			mcp.NewResource(
				"bizq://history",
				"Query History",
				mcp.WithResourceDescription("Recent executed queries with latency statistics"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceHistory(deps),
		)
	}

	if deps.Turns != nil {
		s.AddResource(
			mcp.NewResource(
				"bizq://turns/recent",
				"Recent Questions",
				mcp.WithResourceDescription("Last 10 answered questions"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecentTurns(deps),
		)
	}

	return s
}

// askResult is the tool payload for ask.
type askResult struct {
	SessionID string           `json:"session_id"`
	Answer    string           `json:"answer"`
	Category  string           `json:"category"`
	Query     string           `json:"query,omitempty"`
	Rows      []map[string]any `json:"rows"`
	Degraded  bool             `json:"degraded"`
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil || question == "" {
			return mcpError("question is required"), nil
		}
		category := req.GetString("category", "")
		if category != "" && !intent.IsCategory(category) {
			return mcpError(fmt.Sprintf("unknown category %q", category)), nil
		}

		conv := deps.Sessions.Get(req.GetString("session_id", ""))
		ans := deps.Pipeline.Process(ctx, conv, question, pipeline.Overrides{Category: category})

		b, err := json.Marshal(askResult{
			SessionID: ans.SessionID,
			Answer:    ans.Text,
			Category:  ans.Category,
			Query:     ans.Query,
			Rows:      ans.Rows,
			Degraded:  ans.Degraded,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResetSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil || id == "" {
			return mcpError("session_id is required"), nil
		}
		if _, ok := deps.Sessions.Peek(id); !ok {
			return mcpError(fmt.Sprintf("session %s not found", id)), nil
		}
		deps.Sessions.Delete(id)
		return mcpText(fmt.Sprintf("Session %s reset", id)), nil
	}
}

func mcpResourceHistory(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return jsonResource(req.Params.URI, HistoryView{
			Entries: nonNil(deps.History.History()),
			Stats:   deps.History.Stats(),
		})
	}
}

func mcpResourceRecentTurns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		turns, err := deps.Turns.RecentTurns(recentTurnsLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent turns: %w", err)
		}
		return jsonResource(req.Params.URI, nonNil(turns))
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
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
