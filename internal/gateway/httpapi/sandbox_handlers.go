package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/files"
)

// SandboxCreateRequest is the JSON body for POST /api/users/me/sandboxes.
type SandboxCreateRequest struct {
	Name string `json:"name,omitempty"`
}

// SandboxResponse is one sandbox in API responses.
type SandboxResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CreatedAt  string `json:"created_at"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}

// SandboxListResponse is the JSON response for GET /api/users/me/sandboxes.
type SandboxListResponse struct {
	Sandboxes []SandboxResponse `json:"sandboxes"`
}

// Sandbox handlers dispatch through the tool surface, so REST and MCP
// run identical validation and produce identical shapes.

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	user, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized("invalid token")
	}
	if err := g.rateLimit(c, user); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	res, err := g.surface.Dispatch(c.Context(), user, "list_sandboxes", map[string]any{})
	if err != nil {
		return g.abortError(c, newCorrelationID(), err)
	}
	return c.OK(res.Data)
}

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	user, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized("invalid token")
	}
	if err := g.rateLimit(c, user); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req SandboxCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	params := map[string]any{}
	if req.Name != "" {
		params["name"] = req.Name
	}
	res, err := g.surface.Dispatch(c.Context(), user, "create_sandbox", params)
	if err != nil {
		return g.abortError(c, newCorrelationID(), err)
	}
	return c.JSON(http.StatusCreated, res.Data)
}

func (g *Gateway) handleSandboxDelete(c *okapi.Context) error {
	user, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized("invalid token")
	}
	if err := g.rateLimit(c, user); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	if _, err := uuid.Parse(c.Param("id")); err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	res, err := g.surface.Dispatch(c.Context(), user, "delete_sandbox",
		map[string]any{"sandbox_id": c.Param("id")})
	if err != nil {
		return g.abortError(c, newCorrelationID(), err)
	}
	return c.OK(res.Data)
}

// handleFileFetch serves published result files. The URL itself is the
// capability: sandbox ids are unguessable, so no session is required.
// Path variables come from the router, not Go 1.22 mux patterns.
func (g *Gateway) handleFileFetch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sandboxID, err := uuid.Parse(vars["sandbox_id"])
	if err != nil {
		http.Error(w, "invalid sandbox id", http.StatusBadRequest)
		return
	}
	relPath := vars["any"]
	if err := files.ValidateRelPath(relPath); err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	data, contentType, err := g.publisher.Fetch(sandboxID, relPath)
	if err != nil {
		if domain.IsCode(err, domain.CodeNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
