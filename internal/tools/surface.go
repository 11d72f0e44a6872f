package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// Surface is the complete tool set exposed to clients. Both the REST
// and MCP gateways dispatch through it, so validation and logging
// behave identically on either transport.
type Surface struct {
	registry *Registry
	logger   *slog.Logger
}

// NewSurface builds the surface around a coordinator.
func NewSurface(coord Coordinator, logger *slog.Logger) *Surface {
	r := NewRegistry()
	r.Register(&createSandboxTool{coord: coord})
	r.Register(&listSandboxesTool{coord: coord})
	r.Register(&deleteSandboxTool{coord: coord})
	r.Register(&executeCodeTool{coord: coord})
	r.Register(&executeTerminalTool{coord: coord})
	r.Register(&installPackageTool{coord: coord})
	r.Register(&checkPackageTool{coord: coord})
	r.Register(&uploadFileTool{coord: coord})
	return &Surface{registry: r, logger: logger}
}

// Tools returns the surface sorted by name, for transport mounting.
func (s *Surface) Tools() []Tool {
	return s.registry.List()
}

// Dispatch validates and executes one tool call on behalf of a user.
func (s *Surface) Dispatch(ctx context.Context, user *domain.User, name string, params map[string]any) (*Result, error) {
	tool, ok := s.registry.Get(name)
	if !ok {
		return nil, domain.Ef(domain.CodeNotFound, "unknown tool %q", name)
	}
	if err := tool.Validate(params); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := tool.Execute(ctx, user, params)
	if err != nil {
		s.logger.Warn("tool call failed",
			slog.String("tool", name),
			slog.String("user_id", user.ID.String()),
			slog.String("code", string(domain.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	s.logger.Debug("tool call completed",
		slog.String("tool", name),
		slog.String("user_id", user.ID.String()),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}
