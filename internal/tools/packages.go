package tools

import (
	"context"

	"github.com/jkaninda/sandboxd/internal/coordinator"
	"github.com/jkaninda/sandboxd/internal/domain"
)

type installPackageTool struct {
	coord Coordinator
}

func (t *installPackageTool) Name() string { return "install_package_in_sandbox" }

func (t *installPackageTool) Description() string {
	return "Install a Python package into a sandbox. The install runs in the background; poll check_package_installation_status for the outcome."
}

func (t *installPackageTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"sandbox_id":   stringProp("Id of the target sandbox."),
		"package_name": stringProp("Package to install, optionally with extras or a version pin."),
	}, "sandbox_id", "package_name")
}

func (t *installPackageTool) Validate(params map[string]any) error {
	if err := rejectUnknown(params, "sandbox_id", "package_name"); err != nil {
		return err
	}
	if _, err := requireSandboxID(params); err != nil {
		return err
	}
	_, err := requireString(params, "package_name")
	return err
}

func (t *installPackageTool) Execute(ctx context.Context, user *domain.User, params map[string]any) (*Result, error) {
	id, err := requireSandboxID(params)
	if err != nil {
		return nil, err
	}
	pkg, err := requireString(params, "package_name")
	if err != nil {
		return nil, err
	}
	rec, err := t.coord.InstallPackage(ctx, user, id, pkg)
	if err != nil {
		return nil, err
	}
	status := string(rec.Status)
	if rec.Status == coordinator.StatusSuccess {
		status = "already_installed"
	}
	return &Result{Data: map[string]any{
		"status":    status,
		"record_id": rec.ID.String(),
	}}, nil
}

type checkPackageTool struct {
	coord Coordinator
}

func (t *checkPackageTool) Name() string { return "check_package_installation_status" }

func (t *checkPackageTool) Description() string {
	return "Report the installation status of a package in a sandbox."
}

func (t *checkPackageTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"sandbox_id":   stringProp("Id of the target sandbox."),
		"package_name": stringProp("Package to look up."),
	}, "sandbox_id", "package_name")
}

func (t *checkPackageTool) Validate(params map[string]any) error {
	if err := rejectUnknown(params, "sandbox_id", "package_name"); err != nil {
		return err
	}
	if _, err := requireSandboxID(params); err != nil {
		return err
	}
	_, err := requireString(params, "package_name")
	return err
}

func (t *checkPackageTool) Execute(ctx context.Context, user *domain.User, params map[string]any) (*Result, error) {
	id, err := requireSandboxID(params)
	if err != nil {
		return nil, err
	}
	pkg, err := requireString(params, "package_name")
	if err != nil {
		return nil, err
	}
	st, err := t.coord.CheckPackageStatus(ctx, user, id, pkg)
	if err != nil {
		return nil, err
	}
	return &Result{Data: map[string]any{
		"status": st.Status,
		"detail": st.Detail,
	}}, nil
}
