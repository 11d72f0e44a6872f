package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/sandboxd/internal/coordinator"
	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/identity"
	"github.com/jkaninda/sandboxd/internal/tools"
)

// stubCoordinator satisfies tools.Coordinator for handler tests.
type stubCoordinator struct {
	sandbox domain.Sandbox
}

func (s *stubCoordinator) CreateSandbox(_ context.Context, _ *domain.User, name string) (*domain.Sandbox, error) {
	sb := s.sandbox
	if name != "" {
		sb.Name = name
	}
	return &sb, nil
}

func (s *stubCoordinator) ListSandboxes(context.Context, *domain.User) ([]domain.Sandbox, error) {
	return []domain.Sandbox{s.sandbox}, nil
}

func (s *stubCoordinator) DeleteSandbox(context.Context, *domain.User, uuid.UUID) error {
	return nil
}

func (s *stubCoordinator) ExecuteCode(context.Context, *domain.User, uuid.UUID, string) (*coordinator.ExecOutput, error) {
	return &coordinator.ExecOutput{Stdout: "ran\n"}, nil
}

func (s *stubCoordinator) ExecuteTerminal(context.Context, *domain.User, uuid.UUID, string) (*coordinator.TerminalOutput, error) {
	return &coordinator.TerminalOutput{Stdout: "ok\n"}, nil
}

func (s *stubCoordinator) InstallPackage(context.Context, *domain.User, uuid.UUID, string) (coordinator.InstallRecord, error) {
	return coordinator.InstallRecord{ID: uuid.New(), Status: coordinator.StatusInstalling}, nil
}

func (s *stubCoordinator) CheckPackageStatus(context.Context, *domain.User, uuid.UUID, string) (coordinator.PackageStatus, error) {
	return coordinator.PackageStatus{Status: "installing"}, nil
}

func (s *stubCoordinator) UploadFile(context.Context, *domain.User, uuid.UUID, string, string) (string, error) {
	return "/app/results/x", nil
}

// memUserStore backs the identity service in tests.
type memUserStore struct {
	users map[uuid.UUID]*domain.User
}

func (m *memUserStore) Create(_ context.Context, u *domain.User) error {
	m.users[u.ID] = u
	return nil
}

func (m *memUserStore) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, domain.E(domain.CodeNotFound, "no such user")
}

func (m *memUserStore) GetByUsername(context.Context, string) (*domain.User, error) {
	return nil, domain.E(domain.CodeNotFound, "no such user")
}

func (m *memUserStore) GetByEmail(context.Context, string) (*domain.User, error) {
	return nil, domain.E(domain.CodeNotFound, "no such user")
}

func (m *memUserStore) GetByAPIKey(_ context.Context, key string) (*domain.User, error) {
	for _, u := range m.users {
		if u.APIKey == key {
			return u, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "no such key")
}

func (m *memUserStore) UpdateAPIKey(_ context.Context, id uuid.UUID, key string) error {
	m.users[id].APIKey = key
	return nil
}

func (m *memUserStore) UpdatePasswordHash(context.Context, uuid.UUID, string) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *domain.User) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	user := &domain.User{
		ID:       uuid.New(),
		Username: "alice",
		APIKey:   "sbx_testkey",
		IsActive: true,
	}
	store := &memUserStore{users: map[uuid.UUID]*domain.User{user.ID: user}}
	ids := identity.NewService(identity.Config{SigningKey: []byte("k"), TokenTTL: time.Hour}, store, logger)

	stub := &stubCoordinator{sandbox: domain.Sandbox{ID: uuid.New(), Name: "Sandbox 1"}}
	surface := tools.NewSurface(stub, logger)

	return New(surface, ids, logger), user
}

func callToolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("content items = %d, want 1", len(result.Content))
	}
	tc, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("content is not text: %#v", result.Content[0])
	}
	return tc.Text
}

func TestCallTool_BoundSession(t *testing.T) {
	srv, user := newTestServer(t)
	ctx := ContextWithUser(context.Background(), user)

	req := mcp.CallToolRequest{}
	req.Params.Name = "create_sandbox"
	req.Params.Arguments = map[string]any{"name": "plots"}

	result, err := srv.callTool("create_sandbox")(ctx, req)
	if err != nil {
		t.Fatalf("callTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", callToolText(t, result))
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(callToolText(t, result)), &payload); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if payload["name"] != "plots" {
		t.Errorf("name = %v", payload["name"])
	}
	if _, err := uuid.Parse(payload["id"].(string)); err != nil {
		t.Errorf("id is not a uuid: %v", payload["id"])
	}
}

func TestCallTool_UnboundSession(t *testing.T) {
	srv, _ := newTestServer(t)

	req := mcp.CallToolRequest{}
	req.Params.Name = "list_sandboxes"

	result, err := srv.callTool("list_sandboxes")(context.Background(), req)
	if err != nil {
		t.Fatalf("callTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unbound session")
	}
}

func TestCallTool_ValidationErrorIsResult(t *testing.T) {
	srv, user := newTestServer(t)
	ctx := ContextWithUser(context.Background(), user)

	req := mcp.CallToolRequest{}
	req.Params.Name = "delete_sandbox"
	req.Params.Arguments = map[string]any{"sandbox_id": "not-a-uuid"}

	result, err := srv.callTool("delete_sandbox")(ctx, req)
	if err != nil {
		t.Fatalf("callTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for invalid sandbox id")
	}
}

func TestMCPToolSchema(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	surface := tools.NewSurface(&stubCoordinator{}, logger)

	for _, tool := range surface.Tools() {
		wire := mcpTool(tool)
		if wire.Name != tool.Name() {
			t.Errorf("wire name = %q, want %q", wire.Name, tool.Name())
		}
		if wire.InputSchema.Type != "object" {
			t.Errorf("%s: schema type = %q", wire.Name, wire.InputSchema.Type)
		}
		if wire.InputSchema.Properties == nil {
			t.Errorf("%s: nil properties", wire.Name)
		}
	}
}

func TestUserFromContext(t *testing.T) {
	if _, ok := UserFromContext(context.Background()); ok {
		t.Fatal("empty context should carry no user")
	}

	user := &domain.User{ID: uuid.New()}
	got, ok := UserFromContext(ContextWithUser(context.Background(), user))
	if !ok || got.ID != user.ID {
		t.Fatalf("got %+v, ok=%v", got, ok)
	}
}
