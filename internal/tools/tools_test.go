package tools

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/coordinator"
	"github.com/jkaninda/sandboxd/internal/domain"
)

// stubCoordinator records the last call and returns canned results.
type stubCoordinator struct {
	lastOp   string
	lastID   uuid.UUID
	lastArg  string
	sandbox  domain.Sandbox
	record   coordinator.InstallRecord
	status   coordinator.PackageStatus
	execOut  coordinator.ExecOutput
	termOut  coordinator.TerminalOutput
	destPath string
	err      error
}

func (s *stubCoordinator) CreateSandbox(_ context.Context, _ *domain.User, name string) (*domain.Sandbox, error) {
	s.lastOp, s.lastArg = "create", name
	if s.err != nil {
		return nil, s.err
	}
	sb := s.sandbox
	return &sb, nil
}

func (s *stubCoordinator) ListSandboxes(context.Context, *domain.User) ([]domain.Sandbox, error) {
	s.lastOp = "list"
	if s.err != nil {
		return nil, s.err
	}
	return []domain.Sandbox{s.sandbox}, nil
}

func (s *stubCoordinator) DeleteSandbox(_ context.Context, _ *domain.User, id uuid.UUID) error {
	s.lastOp, s.lastID = "delete", id
	return s.err
}

func (s *stubCoordinator) ExecuteCode(_ context.Context, _ *domain.User, id uuid.UUID, code string) (*coordinator.ExecOutput, error) {
	s.lastOp, s.lastID, s.lastArg = "execute_code", id, code
	if s.err != nil {
		return nil, s.err
	}
	out := s.execOut
	return &out, nil
}

func (s *stubCoordinator) ExecuteTerminal(_ context.Context, _ *domain.User, id uuid.UUID, command string) (*coordinator.TerminalOutput, error) {
	s.lastOp, s.lastID, s.lastArg = "execute_terminal", id, command
	if s.err != nil {
		return nil, s.err
	}
	out := s.termOut
	return &out, nil
}

func (s *stubCoordinator) InstallPackage(_ context.Context, _ *domain.User, id uuid.UUID, pkg string) (coordinator.InstallRecord, error) {
	s.lastOp, s.lastID, s.lastArg = "install", id, pkg
	return s.record, s.err
}

func (s *stubCoordinator) CheckPackageStatus(_ context.Context, _ *domain.User, id uuid.UUID, pkg string) (coordinator.PackageStatus, error) {
	s.lastOp, s.lastID, s.lastArg = "check", id, pkg
	return s.status, s.err
}

func (s *stubCoordinator) UploadFile(_ context.Context, _ *domain.User, id uuid.UUID, localPath, destPath string) (string, error) {
	s.lastOp, s.lastID, s.lastArg = "upload", id, localPath
	s.destPath = destPath
	if s.err != nil {
		return "", s.err
	}
	return "/app/results/" + localPath, nil
}

func testSurface(t *testing.T) (*Surface, *stubCoordinator) {
	t.Helper()
	stub := &stubCoordinator{
		sandbox: domain.Sandbox{
			ID:         uuid.New(),
			UserID:     uuid.New(),
			Name:       "Sandbox 1",
			CreatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			LastUsedAt: time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSurface(stub, logger), stub
}

func testUser() *domain.User {
	return &domain.User{ID: uuid.New(), Username: "alice"}
}

func TestSurface_RegistersAllTools(t *testing.T) {
	surface, _ := testSurface(t)

	want := []string{
		"check_package_installation_status",
		"create_sandbox",
		"delete_sandbox",
		"execute_python_code",
		"execute_terminal_command",
		"install_package_in_sandbox",
		"list_sandboxes",
		"upload_file_to_sandbox",
	}
	tools := surface.Tools()
	if len(tools) != len(want) {
		t.Fatalf("got %d tools, want %d", len(tools), len(want))
	}
	for i, tool := range tools {
		if tool.Name() != want[i] {
			t.Errorf("tool %d = %q, want %q", i, tool.Name(), want[i])
		}
		if tool.Description() == "" {
			t.Errorf("tool %q has no description", tool.Name())
		}
		schema := tool.InputSchema()
		if schema["type"] != "object" {
			t.Errorf("tool %q schema type = %v", tool.Name(), schema["type"])
		}
		if schema["additionalProperties"] != false {
			t.Errorf("tool %q schema allows additional properties", tool.Name())
		}
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	surface, _ := testSurface(t)

	_, err := surface.Dispatch(context.Background(), testUser(), "drop_database", nil)
	if !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestDispatch_RejectsUnknownParams(t *testing.T) {
	surface, _ := testSurface(t)

	_, err := surface.Dispatch(context.Background(), testUser(), "create_sandbox",
		map[string]any{"name": "x", "bogus": 1, "extra": true})
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("err = %v, want invalid_argument", err)
	}
	if got := err.Error(); got == "" {
		t.Fatal("empty error message")
	}
}

func TestDispatch_ValidatesSandboxID(t *testing.T) {
	surface, stub := testSurface(t)
	user := testUser()

	cases := []struct {
		name   string
		params map[string]any
	}{
		{"missing", map[string]any{}},
		{"empty", map[string]any{"sandbox_id": ""}},
		{"not a string", map[string]any{"sandbox_id": 42}},
		{"not a uuid", map[string]any{"sandbox_id": "box-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := surface.Dispatch(context.Background(), user, "delete_sandbox", tc.params)
			if !domain.IsCode(err, domain.CodeInvalidArgument) {
				t.Fatalf("err = %v, want invalid_argument", err)
			}
		})
	}
	if stub.lastOp != "" {
		t.Fatalf("coordinator reached with invalid params: %s", stub.lastOp)
	}
}

func TestCreateSandbox_Result(t *testing.T) {
	surface, stub := testSurface(t)

	res, err := surface.Dispatch(context.Background(), testUser(), "create_sandbox",
		map[string]any{"name": "analysis"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stub.lastArg != "analysis" {
		t.Fatalf("name passed = %q", stub.lastArg)
	}
	if res.Data["id"] != stub.sandbox.ID.String() {
		t.Fatalf("id = %v", res.Data["id"])
	}
	if res.Data["created_at"] != "2025-06-01T12:00:00Z" {
		t.Fatalf("created_at = %v", res.Data["created_at"])
	}
}

func TestListSandboxes_Result(t *testing.T) {
	surface, stub := testSurface(t)

	res, err := surface.Dispatch(context.Background(), testUser(), "list_sandboxes", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	items, ok := res.Data["sandboxes"].([]map[string]any)
	if !ok || len(items) != 1 {
		t.Fatalf("sandboxes = %#v", res.Data["sandboxes"])
	}
	if items[0]["id"] != stub.sandbox.ID.String() {
		t.Fatalf("id = %v", items[0]["id"])
	}
	if items[0]["last_used_at"] != "2025-06-01T12:30:00Z" {
		t.Fatalf("last_used_at = %v", items[0]["last_used_at"])
	}
}

func TestExecuteCode_Result(t *testing.T) {
	surface, stub := testSurface(t)
	stub.execOut = coordinator.ExecOutput{
		Stdout:    "hello\n",
		Stderr:    "",
		FileLinks: []string{"/sandbox/file/abc/plot.png"},
	}
	id := uuid.New()

	res, err := surface.Dispatch(context.Background(), testUser(), "execute_python_code",
		map[string]any{"sandbox_id": id.String(), "code": "print('hello')"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stub.lastID != id {
		t.Fatalf("sandbox id passed = %s", stub.lastID)
	}
	if res.Data["stdout"] != "hello\n" {
		t.Fatalf("stdout = %v", res.Data["stdout"])
	}
	links := res.Data["file_links"].([]string)
	if len(links) != 1 || links[0] != "/sandbox/file/abc/plot.png" {
		t.Fatalf("file_links = %v", links)
	}
}

func TestExecuteCode_NilLinksBecomeEmptySlice(t *testing.T) {
	surface, _ := testSurface(t)

	res, err := surface.Dispatch(context.Background(), testUser(), "execute_python_code",
		map[string]any{"sandbox_id": uuid.NewString(), "code": "pass"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	links, ok := res.Data["file_links"].([]string)
	if !ok || links == nil {
		t.Fatalf("file_links = %#v, want empty non-nil slice", res.Data["file_links"])
	}
}

func TestInstallPackage_StatusMapping(t *testing.T) {
	surface, stub := testSurface(t)
	id := uuid.New()

	stub.record = coordinator.InstallRecord{ID: uuid.New(), Status: coordinator.StatusInstalling}
	res, err := surface.Dispatch(context.Background(), testUser(), "install_package_in_sandbox",
		map[string]any{"sandbox_id": id.String(), "package_name": "numpy"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Data["status"] != "installing" {
		t.Fatalf("status = %v", res.Data["status"])
	}
	if res.Data["record_id"] != stub.record.ID.String() {
		t.Fatalf("record_id = %v", res.Data["record_id"])
	}

	stub.record.Status = coordinator.StatusSuccess
	res, err = surface.Dispatch(context.Background(), testUser(), "install_package_in_sandbox",
		map[string]any{"sandbox_id": id.String(), "package_name": "numpy"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Data["status"] != "already_installed" {
		t.Fatalf("status = %v", res.Data["status"])
	}
}

func TestCheckPackageStatus_Result(t *testing.T) {
	surface, stub := testSurface(t)
	stub.status = coordinator.PackageStatus{Status: "failed", Detail: "no matching distribution"}

	res, err := surface.Dispatch(context.Background(), testUser(), "check_package_installation_status",
		map[string]any{"sandbox_id": uuid.NewString(), "package_name": "nosuchpkg"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Data["status"] != "failed" || res.Data["detail"] != "no matching distribution" {
		t.Fatalf("result = %v", res.Data)
	}
}

func TestExecuteTerminal_Result(t *testing.T) {
	surface, stub := testSurface(t)
	stub.termOut = coordinator.TerminalOutput{Stdout: "ok\n", ExitCode: 2}

	res, err := surface.Dispatch(context.Background(), testUser(), "execute_terminal_command",
		map[string]any{"sandbox_id": uuid.NewString(), "command": "ls /app"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Data["exit_code"] != 2 {
		t.Fatalf("exit_code = %v", res.Data["exit_code"])
	}
	if stub.lastArg != "ls /app" {
		t.Fatalf("command passed = %q", stub.lastArg)
	}
}

func TestUploadFile_DefaultDest(t *testing.T) {
	surface, stub := testSurface(t)

	res, err := surface.Dispatch(context.Background(), testUser(), "upload_file_to_sandbox",
		map[string]any{"sandbox_id": uuid.NewString(), "local_file_path": "data.csv"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stub.destPath != "" {
		t.Fatalf("dest passed = %q, want empty (coordinator applies the default)", stub.destPath)
	}
	if res.Data["path_in_container"] != "/app/results/data.csv" {
		t.Fatalf("path_in_container = %v", res.Data["path_in_container"])
	}
}

func TestDispatch_PropagatesCoordinatorError(t *testing.T) {
	surface, stub := testSurface(t)
	stub.err = domain.E(domain.CodeNotAuthorized, "sandbox belongs to another user")

	_, err := surface.Dispatch(context.Background(), testUser(), "delete_sandbox",
		map[string]any{"sandbox_id": uuid.NewString()})
	if !domain.IsCode(err, domain.CodeNotAuthorized) {
		t.Fatalf("err = %v, want not_authorized", err)
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(&listSandboxesTool{})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r.Register(&listSandboxesTool{})
}
