package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
)

// RegisterRequest is the JSON body for POST /api/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterResponse is the JSON response for POST /api/register.
type RegisterResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (g *Gateway) handleRegister(c *okapi.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	correlationID := newCorrelationID()
	user, err := g.identity.Register(c.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		return g.abortError(c, correlationID, err)
	}

	g.logger.Info("user registered",
		slog.String("user_id", user.ID.String()),
		slog.String("correlation_id", correlationID),
	)
	return c.JSON(http.StatusCreated, RegisterResponse{
		ID:       user.ID.String(),
		Username: user.Username,
		Email:    user.Email,
	})
}

// TokenRequest is the form body for POST /api/token.
type TokenRequest struct {
	Username string `form:"username" json:"username"`
	Password string `form:"password" json:"password"`
}

// TokenResponse is the JSON response for POST /api/token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// handleToken implements the password grant: form-encoded username and
// password in, bearer token out.
func (g *Gateway) handleToken(c *okapi.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid form body")
	}
	if req.Username == "" || req.Password == "" {
		return c.AbortBadRequest("username and password are required")
	}

	user, err := g.identity.VerifyPassword(c.Context(), req.Username, req.Password)
	if err != nil {
		return c.AbortUnauthorized("invalid credentials")
	}

	token, err := g.identity.IssueToken(user)
	if err != nil {
		g.logger.Error("token issue failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("token issue failed")
	}

	g.logger.Info("session token issued", slog.String("user_id", user.ID.String()))
	return c.OK(TokenResponse{AccessToken: token, TokenType: "bearer"})
}

// UserResponse is the redacted account view.
type UserResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
	IsActive  bool   `json:"is_active"`
}

func (g *Gateway) handleMe(c *okapi.Context) error {
	user, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized("invalid token")
	}

	redacted := user.Redacted()
	return c.OK(UserResponse{
		ID:        redacted.ID.String(),
		Username:  redacted.Username,
		Email:     redacted.Email,
		CreatedAt: redacted.CreatedAt.Format(time.RFC3339),
		IsActive:  redacted.IsActive,
	})
}

// APIKeyResponse carries the MCP connect credential.
type APIKeyResponse struct {
	APIKey string `json:"api_key"`
}

func (g *Gateway) handleAPIKey(c *okapi.Context) error {
	user, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized("invalid token")
	}
	return c.OK(APIKeyResponse{APIKey: user.APIKey})
}

func (g *Gateway) handleAPIKeyRegenerate(c *okapi.Context) error {
	user, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized("invalid token")
	}

	key, err := g.identity.RegenerateAPIKey(c.Context(), user)
	if err != nil {
		return g.abortError(c, newCorrelationID(), err)
	}
	return c.OK(APIKeyResponse{APIKey: key})
}
