package tools

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/coordinator"
	"github.com/jkaninda/sandboxd/internal/domain"
)

// Coordinator is the subset of sandbox operations the tool surface
// dispatches to.
type Coordinator interface {
	CreateSandbox(ctx context.Context, user *domain.User, name string) (*domain.Sandbox, error)
	ListSandboxes(ctx context.Context, user *domain.User) ([]domain.Sandbox, error)
	DeleteSandbox(ctx context.Context, user *domain.User, id uuid.UUID) error
	ExecuteCode(ctx context.Context, user *domain.User, id uuid.UUID, code string) (*coordinator.ExecOutput, error)
	ExecuteTerminal(ctx context.Context, user *domain.User, id uuid.UUID, command string) (*coordinator.TerminalOutput, error)
	InstallPackage(ctx context.Context, user *domain.User, id uuid.UUID, pkg string) (coordinator.InstallRecord, error)
	CheckPackageStatus(ctx context.Context, user *domain.User, id uuid.UUID, pkg string) (coordinator.PackageStatus, error)
	UploadFile(ctx context.Context, user *domain.User, id uuid.UUID, localPath, destPath string) (string, error)
}

var _ Coordinator = (*coordinator.Coordinator)(nil)

type createSandboxTool struct {
	coord Coordinator
}

func (t *createSandboxTool) Name() string { return "create_sandbox" }

func (t *createSandboxTool) Description() string {
	return "Create a new Python sandbox owned by the calling user. Returns the sandbox id."
}

func (t *createSandboxTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"name": stringProp("Optional display name for the sandbox."),
	})
}

func (t *createSandboxTool) Validate(params map[string]any) error {
	if err := rejectUnknown(params, "name"); err != nil {
		return err
	}
	_, err := optionalString(params, "name")
	return err
}

func (t *createSandboxTool) Execute(ctx context.Context, user *domain.User, params map[string]any) (*Result, error) {
	name, _ := optionalString(params, "name")
	sb, err := t.coord.CreateSandbox(ctx, user, name)
	if err != nil {
		return nil, err
	}
	return &Result{Data: map[string]any{
		"id":         sb.ID.String(),
		"name":       sb.Name,
		"created_at": sb.CreatedAt.Format(time.RFC3339),
	}}, nil
}

type listSandboxesTool struct {
	coord Coordinator
}

func (t *listSandboxesTool) Name() string { return "list_sandboxes" }

func (t *listSandboxesTool) Description() string {
	return "List the calling user's sandboxes, oldest first."
}

func (t *listSandboxesTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{})
}

func (t *listSandboxesTool) Validate(params map[string]any) error {
	return rejectUnknown(params)
}

func (t *listSandboxesTool) Execute(ctx context.Context, user *domain.User, _ map[string]any) (*Result, error) {
	boxes, err := t.coord.ListSandboxes(ctx, user)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(boxes))
	for _, sb := range boxes {
		items = append(items, map[string]any{
			"id":           sb.ID.String(),
			"name":         sb.Name,
			"created_at":   sb.CreatedAt.Format(time.RFC3339),
			"last_used_at": sb.LastUsedAt.Format(time.RFC3339),
		})
	}
	return &Result{Data: map[string]any{"sandboxes": items}}, nil
}

type deleteSandboxTool struct {
	coord Coordinator
}

func (t *deleteSandboxTool) Name() string { return "delete_sandbox" }

func (t *deleteSandboxTool) Description() string {
	return "Delete a sandbox, its container, and its published files."
}

func (t *deleteSandboxTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"sandbox_id": stringProp("Id of the sandbox to delete."),
	}, "sandbox_id")
}

func (t *deleteSandboxTool) Validate(params map[string]any) error {
	if err := rejectUnknown(params, "sandbox_id"); err != nil {
		return err
	}
	_, err := requireSandboxID(params)
	return err
}

func (t *deleteSandboxTool) Execute(ctx context.Context, user *domain.User, params map[string]any) (*Result, error) {
	id, err := requireSandboxID(params)
	if err != nil {
		return nil, err
	}
	if err := t.coord.DeleteSandbox(ctx, user, id); err != nil {
		return nil, err
	}
	return &Result{Data: map[string]any{"ok": true}}, nil
}
