package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/modeldeck/modeldeck/internal/ollama"
	"github.com/modeldeck/modeldeck/internal/rag"
	"github.com/modeldeck/modeldeck/internal/session"
	"github.com/modeldeck/modeldeck/internal/stream"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Client       *ollama.Client
	Sessions     *session.Store
	RAG          *rag.Client
	DefaultModel string
}

// NewMCPServer creates an MCP server exposing the local models over stdio,
// so MCP-capable editors and agents can use them as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"modeldeck",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("modeldeck: locally hosted models: chat, model inventory, and document search."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_models",
			mcp.WithDescription("List the models available on the local model server."),
		),
		mcpListModels(deps),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a prompt to a locally hosted model and return the complete response."),
			mcp.WithString("message", mcp.Description("The prompt to send"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Model name (defaults to the configured default model)")),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search the uploaded documents and return relevant chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"sessions://recent",
			"Recent Sessions",
			mcp.WithResourceDescription("Recently updated chat sessions"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSessions(deps),
	)

	return s
}

func mcpListModels(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		models, err := deps.Client.ListModels(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list models: %v", err)), nil
		}
		if len(models) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(models)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal models: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		model := req.GetString("model", deps.DefaultModel)

		frags, err := deps.Client.Chat(ctx, ollama.ChatRequest{
			Model:    model,
			Messages: []ollama.Message{{Role: "user", Content: message}},
			Stream:   false,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}

		acc := stream.NewAccumulator()
		for f := range frags {
			if f.Err != nil {
				return mcpError(fmt.Sprintf("chat failed: %v", f.Err)), nil
			}
			if f.End {
				break
			}
			if _, _, err := acc.Apply(f.Data); err != nil {
				return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
			}
		}
		return mcpText(acc.Text()), nil
	}
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		if !deps.RAG.Configured() {
			return mcpError("document store is not configured"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		chunks, err := deps.RAG.Query(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(chunks)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSessions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sessions, err := deps.Sessions.ListSessions()
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}

		type sessionSummary struct {
			ID        string `json:"id"`
			Model     string `json:"model"`
			UpdatedAt string `json:"updated_at"`
		}

		if len(sessions) > 10 {
			sessions = sessions[:10]
		}
		summaries := make([]sessionSummary, len(sessions))
		for i, s := range sessions {
			summaries[i] = sessionSummary{
				ID:        s.ID,
				Model:     s.Model,
				UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sessions: %w", err)
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
