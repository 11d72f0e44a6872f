// Package httpapi implements the REST gateway.
//
// Security:
//   - Bearer session tokens on every /api/users route
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - Published files served only through capability URLs
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/files"
	"github.com/jkaninda/sandboxd/internal/identity"
	"github.com/jkaninda/sandboxd/internal/observability"
	"github.com/jkaninda/sandboxd/internal/ratelimit"
	"github.com/jkaninda/sandboxd/internal/tools"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response shape.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Config configures the REST gateway.
type Config struct {
	ListenAddr     string // e.g., ":8000"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry
	MetricsPath     string // Default: "/metrics".
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
}

// Gateway is the REST gateway.
type Gateway struct {
	config    Config
	identity  *identity.Service
	surface   *tools.Surface
	publisher *files.Publisher
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server
	okapi     *okapi.Okapi

	// Extra handlers mounted on the HTTP mux (the MCP SSE endpoints).
	extraRoutes []extraRoute
}

type extraRoute struct {
	method  string
	pattern string
	handler http.Handler
}

// NewGateway creates a REST gateway.
func NewGateway(cfg Config, ids *identity.Service, surface *tools.Surface, publisher *files.Publisher, limiter *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:    cfg,
		identity:  ids,
		surface:   surface,
		publisher: publisher,
		limiter:   limiter,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the MCP SSE endpoints.
func (g *Gateway) WithHandler(method, pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{method: method, pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated API documentation UI.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "sandboxd",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.registerRoutes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("rest gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

func (g *Gateway) registerRoutes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Public account endpoints.
	g.okapi.Post("/api/register", g.handleRegister,
		okapi.DocSummary("Register a new user account"),
		okapi.DocTags("Identity"),
		okapi.DocRequestBody(RegisterRequest{}),
		okapi.DocResponse(http.StatusCreated, RegisterResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.okapi.Post("/api/token", g.handleToken,
		okapi.DocSummary("Exchange username and password for a session token"),
		okapi.DocTags("Identity"),
		okapi.DocRequestBody(TokenRequest{}),
		okapi.DocResponse(TokenResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	// Authenticated group.
	me := g.okapi.Group("/api/users", g.authenticate)
	me.Get("/me", g.handleMe,
		okapi.DocSummary("Get the authenticated user"),
		okapi.DocTags("Identity"),
		okapi.DocResponse(UserResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	me.Get("/me/api-key", g.handleAPIKey,
		okapi.DocSummary("Get the user's MCP API key"),
		okapi.DocTags("Identity"),
		okapi.DocResponse(APIKeyResponse{}),
	)
	me.Post("/me/api-key/regenerate", g.handleAPIKeyRegenerate,
		okapi.DocSummary("Replace the user's MCP API key"),
		okapi.DocTags("Identity"),
		okapi.DocResponse(APIKeyResponse{}),
	)
	me.Get("/me/sandboxes", g.handleSandboxList,
		okapi.DocSummary("List the user's sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse(SandboxListResponse{}),
	)
	me.Post("/me/sandboxes", g.handleSandboxCreate,
		okapi.DocSummary("Create a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(SandboxCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	me.Delete("/me/sandboxes/{id}", g.handleSandboxDelete,
		okapi.DocSummary("Delete a sandbox and its files"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(map[string]bool{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Published result files: the URL is the capability. The trailing
	// wildcard becomes a catch-all path variable named "any" on the
	// router, so nested result paths resolve to a single var.
	g.okapi.HandleStd("GET", "/sandbox/file/{sandbox_id}/*", g.handleFileFetch)

	// MCP SSE endpoints and other extra handlers.
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd(er.method, er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("rest gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// authenticate resolves the bearer session token. Handlers read the
// user id from the request-scoped store and load the account once.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		userID, err := g.identity.VerifyToken(token)
		if err != nil {
			return c.AbortUnauthorized("invalid or expired token")
		}
		c.Set("userID", userID.String())
		return next(c)
	}
}

// currentUser loads the authenticated account for a handler. The token
// was verified by the middleware; the account may still have been
// deactivated since the token was issued.
func (g *Gateway) currentUser(c *okapi.Context) (*domain.User, error) {
	raw := c.GetString("userID")
	userID, err := uuid.Parse(raw)
	if err != nil {
		return nil, domain.E(domain.CodeNotAuthorized, "invalid token")
	}
	return g.identity.UserByID(c.Context(), userID)
}

// rateLimit consumes one token from the user's bucket.
func (g *Gateway) rateLimit(c *okapi.Context, user *domain.User) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Allow(user.ID)
}

// abortError maps a taxonomy error onto the HTTP status space.
func (g *Gateway) abortError(c *okapi.Context, correlationID string, err error) error {
	code := domain.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.JSON(status, ErrorBody{Error: "internal error", Code: string(code)})
	}
	return c.JSON(status, ErrorBody{Error: err.Error(), Code: string(code)})
}

func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeInvalidArgument, domain.CodeBadPath:
		return http.StatusBadRequest
	case domain.CodeNotAuthorized:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeRuntimeUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeExecTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HealthResponse is the body for liveness and authenticated health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
