// Package tools defines the public tool surface: the named operations a
// client may invoke, with typed argument schemas and validation. The
// same surface is mounted under the REST API and the MCP server.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// Tool is one named operation on the surface. Validate runs before
// Execute on every call path; Execute may assume the parameters passed
// validation.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is a JSON-Schema fragment describing the parameters.
	InputSchema() map[string]any
	Validate(params map[string]any) error
	Execute(ctx context.Context, user *domain.User, params map[string]any) (*Result, error)
}

// Result is a structured tool outcome. Data marshals directly to the
// JSON body returned over REST and to the MCP tool-call result.
type Result struct {
	Data map[string]any
}

// Registry holds tools by name.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are a programming error.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; exists {
		panic(fmt.Sprintf("tools: duplicate registration of %q", t.Name()))
	}
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// objectSchema builds the JSON-Schema fragment shared by every tool.
func objectSchema(properties map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// rejectUnknown fails when params carry a field outside the allowed
// set. Unknown fields are an error, not ignored.
func rejectUnknown(params map[string]any, allowed ...string) error {
	var unknown []string
	for key := range params {
		found := false
		for _, a := range allowed {
			if key == a {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return domain.Ef(domain.CodeInvalidArgument, "unknown parameter(s): %s", strings.Join(unknown, ", "))
}

// requireString pulls a mandatory non-empty string parameter.
func requireString(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", domain.Ef(domain.CodeInvalidArgument, "missing required parameter %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", domain.Ef(domain.CodeInvalidArgument, "parameter %q must be a string", key)
	}
	if strings.TrimSpace(s) == "" {
		return "", domain.Ef(domain.CodeInvalidArgument, "parameter %q must not be empty", key)
	}
	return s, nil
}

// optionalString pulls an optional string parameter, returning "" when
// absent.
func optionalString(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", domain.Ef(domain.CodeInvalidArgument, "parameter %q must be a string", key)
	}
	return s, nil
}

// requireSandboxID parses the sandbox_id parameter.
func requireSandboxID(params map[string]any) (uuid.UUID, error) {
	s, err := requireString(params, "sandbox_id")
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, domain.Ef(domain.CodeInvalidArgument, "invalid sandbox id %q", s)
	}
	return id, nil
}
