// Package mcp exposes the context assembly engine as a Model Context Protocol
// tool server so that external agents can retrieve knowledge and history.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/usecase/composer"
	"github.com/m-mizutani/finctx/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName = "finctx"

	defaultSearchLimit  = 3
	defaultHistoryLimit = 10
)

type Knowledge interface {
	Search(ctx context.Context, query string, n int, filter map[string]string) []*model.RetrievalResult
}

type Sessions interface {
	History(ctx context.Context, id model.SessionID, limit int) []*model.Message
	Summary(ctx context.Context, id model.SessionID) *model.SessionSummary
}

type Composer interface {
	Compose(ctx context.Context, req composer.Request) *composer.Context
}

type Server struct {
	server *mcp.Server
}

type searchKnowledgeInput struct {
	Query  string `json:"query" jsonschema:"Question or keywords to search in the financial knowledge base"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of chunks to return (default 3)"`
	Source string `json:"source,omitempty" jsonschema:"Restrict results to chunks of this source document path"`
}

type getContextInput struct {
	SessionID string `json:"session_id" jsonschema:"Conversation session ID"`
	Query     string `json:"query" jsonschema:"Current user question"`
}

type getHistoryInput struct {
	SessionID string `json:"session_id" jsonschema:"Conversation session ID"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Number of most recent messages to return (default 10, 0 or less for all)"`
}

type sessionSummaryInput struct {
	SessionID string `json:"session_id" jsonschema:"Conversation session ID"`
}

// NewServer creates a tool server backed by the given components
func NewServer(version string, knowledge Knowledge, sessions Sessions, comp Composer) *Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_knowledge",
		Description: "Search the financial education knowledge base and return the most relevant document chunks",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *searchKnowledgeInput) (*mcp.CallToolResult, any, error) {
		if params.Query == "" {
			return errorResult("query is required"), nil, nil
		}
		limit := params.Limit
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		var filter map[string]string
		if params.Source != "" {
			filter = map[string]string{model.MetaSource: params.Source}
		}
		return jsonResult(ctx, knowledge.Search(ctx, params.Query, limit, filter))
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_context",
		Description: "Compose the conversation history and knowledge context for a question in a session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *getContextInput) (*mcp.CallToolResult, any, error) {
		if params.SessionID == "" {
			return errorResult("session_id is required"), nil, nil
		}
		if strings.TrimSpace(params.Query) == "" {
			return errorResult("query is required"), nil, nil
		}
		return jsonResult(ctx, comp.Compose(ctx, composer.Request{
			SessionID: model.SessionID(params.SessionID),
			Query:     params.Query,
		}))
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_history",
		Description: "Return the most recent messages of a conversation session, oldest first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *getHistoryInput) (*mcp.CallToolResult, any, error) {
		if params.SessionID == "" {
			return errorResult("session_id is required"), nil, nil
		}
		limit := params.Limit
		if limit == 0 {
			limit = defaultHistoryLimit
		}
		return jsonResult(ctx, sessions.History(ctx, model.SessionID(params.SessionID), limit))
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_summary",
		Description: "Return message counts, discussed topics and duration of a conversation session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *sessionSummaryInput) (*mcp.CallToolResult, any, error) {
		if params.SessionID == "" {
			return errorResult("session_id is required"), nil, nil
		}
		return jsonResult(ctx, sessions.Summary(ctx, model.SessionID(params.SessionID)))
	})

	return &Server{server: server}
}

// Serve runs the server over stdin/stdout until the client disconnects or ctx is cancelled
func (x *Server) Serve(ctx context.Context) error {
	logging.From(ctx).Info("starting MCP server", "transport", "stdio")
	if err := x.server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return goerr.Wrap(err, "failed to run MCP server")
	}
	return nil
}

// Handler returns a streamable HTTP handler serving the same tools
func (x *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return x.server
	}, nil)
}

func jsonResult(ctx context.Context, v any) (*mcp.CallToolResult, any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		logging.From(ctx).Error("failed to marshal tool result", logging.ErrAttr(err))
		return nil, nil, goerr.Wrap(err, "failed to marshal tool result")
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(raw)},
		},
	}, nil, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
	}
}
