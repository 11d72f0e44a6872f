// Package mcpserver exposes the tool surface over the Model Context
// Protocol. One SSE session is bound to one user at connect time; every
// tool call on that session runs as that user.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/identity"
	"github.com/jkaninda/sandboxd/internal/tools"
)

type contextKey string

const userContextKey contextKey = "sandboxd.user"

// ContextWithUser binds an authenticated user to a session context.
func ContextWithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext extracts the session's bound user.
func UserFromContext(ctx context.Context) (*domain.User, bool) {
	user, ok := ctx.Value(userContextKey).(*domain.User)
	return user, ok && user != nil
}

// Server is the per-session MCP multiplexer.
type Server struct {
	mcp      *server.MCPServer
	sse      *server.SSEServer
	identity *identity.Service
	surface  *tools.Surface
	logger   *slog.Logger
}

// New builds the MCP server with every surface tool mounted.
func New(surface *tools.Surface, ids *identity.Service, logger *slog.Logger) *Server {
	s := &Server{
		identity: ids,
		surface:  surface,
		logger:   logger,
	}

	s.mcp = server.NewMCPServer("sandboxd", "0.1.0",
		server.WithToolCapabilities(false),
	)
	for _, tool := range surface.Tools() {
		s.mcp.AddTool(mcpTool(tool), s.callTool(tool.Name()))
	}

	// The session context produced at connect time carries the bound
	// user for the whole session lifetime.
	s.sse = server.NewSSEServer(s.mcp,
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
		server.WithSSEContextFunc(s.bindUser),
	)
	return s
}

// SSEHandler serves GET /sse. The API key is checked before the stream
// opens so unauthenticated clients get a clean 401 instead of a
// session that fails every call.
func (s *Server) SSEHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("api_key")
		if _, err := s.identity.ResolveAPIKey(r.Context(), key); err != nil {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		s.sse.SSEHandler().ServeHTTP(w, r)
	})
}

// MessageHandler serves POST /message for established sessions.
func (s *Server) MessageHandler() http.Handler {
	return s.sse.MessageHandler()
}

// bindUser resolves the connect-time API key to a user and stores it in
// the session context. Resolution failures leave the context unbound;
// tool calls on such a session fail with not_authorized.
func (s *Server) bindUser(ctx context.Context, r *http.Request) context.Context {
	key := r.URL.Query().Get("api_key")
	user, err := s.identity.ResolveAPIKey(ctx, key)
	if err != nil {
		return ctx
	}
	s.logger.Info("mcp session bound",
		slog.String("user_id", user.ID.String()),
		slog.String("remote", r.RemoteAddr),
	)
	return ContextWithUser(ctx, user)
}

// callTool adapts one surface tool into an MCP tool handler.
func (s *Server) callTool(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, ok := UserFromContext(ctx)
		if !ok {
			return mcp.NewToolResultError("session is not authenticated"), nil
		}

		res, err := s.surface.Dispatch(ctx, user, name, req.GetArguments())
		if err != nil {
			// Taxonomy errors are results, not protocol failures.
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload, err := json.Marshal(res.Data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s result: %w", name, err)
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

// mcpTool converts a surface tool definition to the wire schema.
func mcpTool(t tools.Tool) mcp.Tool {
	schema := t.InputSchema()
	out := mcp.Tool{
		Name:        t.Name(),
		Description: t.Description(),
	}
	out.InputSchema.Type = "object"
	if props, ok := schema["properties"].(map[string]any); ok {
		out.InputSchema.Properties = props
	}
	if req, ok := schema["required"].([]string); ok {
		out.InputSchema.Required = req
	}
	return out
}
