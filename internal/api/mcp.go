package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/sitewalk/internal/retrieval"
	"github.com/kalambet/sitewalk/internal/storage"
)

// MCPRetriever abstracts vector search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, query string, jobID *int64, topK int) ([]retrieval.ScoredChunk, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Retriever MCPRetriever
	Version   string
}

const maxSnippetRunes = 400

// NewMCPServer creates an MCP server exposing site walk search and status tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"sitewalk",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("sitewalk: recorded construction site walks, their summaries, action items, and plan discrepancies."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_chunks",
			mcp.WithDescription("Semantically search indexed site walk transcripts, summaries, and plan analyses."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("job_id", mcp.Description("Restrict results to one job")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchChunks(deps),
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Report the processing status of a recorded session."),
			mcp.WithNumber("id", mcp.Description("Session ID"), mcp.Required()),
		),
		mcpSessionStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("open_action_items",
			mcp.WithDescription("List action items that are not yet completed."),
			mcp.WithNumber("job_id", mcp.Description("Restrict to one job")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of items (default 25)")),
		),
		mcpOpenActionItems(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"sitewalk://notifications/unread",
			"Unread Notifications",
			mcp.WithResourceDescription("Up to 20 unread notifications, newest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceUnread(deps),
	)

	return s
}

func optionalJobID(req mcp.CallToolRequest) *int64 {
	id := req.GetInt("job_id", 0)
	if id <= 0 {
		return nil
	}
	v := int64(id)
	return &v
}

func mcpSearchChunks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		hits, err := deps.Retriever.Retrieve(ctx, query, optionalJobID(req), limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type hit struct {
			SessionID  int64   `json:"session_id"`
			JobID      *int64  `json:"job_id,omitempty"`
			JobName    string  `json:"job_name,omitempty"`
			Type       string  `json:"type"`
			Date       string  `json:"date"`
			Text       string  `json:"text"`
			Similarity float32 `json:"similarity"`
			Flagged    bool    `json:"flagged,omitempty"`
		}
		out := make([]hit, len(hits))
		for i, h := range hits {
			out[i] = hit{
				SessionID:  h.SessionID,
				JobID:      h.JobID,
				JobName:    h.JobName,
				Type:       string(h.Type),
				Date:       h.SessionDate.Format("2006-01-02"),
				Text:       snippet(h.Text),
				Similarity: h.Similarity,
				Flagged:    h.Flagged,
			}
		}
		return mcpJSON(out)
	}
}

func mcpSessionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetInt("id", 0)
		if id <= 0 {
			return mcpError("id is required"), nil
		}
		sess, err := deps.Store.GetSession(ctx, int64(id))
		if err != nil {
			return mcpError(fmt.Sprintf("session %d: %v", id, err)), nil
		}
		return mcpJSON(map[string]any{
			"id":            sess.ID,
			"status":        sess.Status,
			"job_id":        sess.JobID,
			"error_message": sess.ErrorMessage,
			"summary":       snippet(sess.SummaryText),
			"updated_at":    sess.UpdatedAt.Format(time.RFC3339),
		})
	}
}

func mcpOpenActionItems(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 25)
		if limit <= 0 || limit > 200 {
			limit = 25
		}
		items, err := deps.Store.ListActionItems(ctx, storage.ActionItemFilter{
			JobID:    optionalJobID(req),
			OpenOnly: true,
			Limit:    limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("listing action items: %v", err)), nil
		}
		if items == nil {
			items = []storage.ActionItem{}
		}
		return mcpJSON(items)
	}
}

func mcpResourceUnread(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ns, err := deps.Store.ListNotifications(ctx, true, 20)
		if err != nil {
			return nil, fmt.Errorf("failed to list notifications: %w", err)
		}
		if ns == nil {
			ns = []storage.Notification{}
		}
		b, err := json.Marshal(ns)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notifications: %w", err)
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

func snippet(s string) string {
	if utf8.RuneCountInString(s) <= maxSnippetRunes {
		return s
	}
	return string([]rune(s)[:maxSnippetRunes]) + "..."
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
