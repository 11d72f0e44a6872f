package tools

import (
	"context"

	"github.com/jkaninda/sandboxd/internal/domain"
)

type executeCodeTool struct {
	coord Coordinator
}

func (t *executeCodeTool) Name() string { return "execute_python_code" }

func (t *executeCodeTool) Description() string {
	return "Run Python source inside a sandbox. Files written to /app/results come back as HTTP links."
}

func (t *executeCodeTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"sandbox_id": stringProp("Id of the sandbox to run in."),
		"code":       stringProp("Python source to execute."),
	}, "sandbox_id", "code")
}

func (t *executeCodeTool) Validate(params map[string]any) error {
	if err := rejectUnknown(params, "sandbox_id", "code"); err != nil {
		return err
	}
	if _, err := requireSandboxID(params); err != nil {
		return err
	}
	_, err := requireString(params, "code")
	return err
}

func (t *executeCodeTool) Execute(ctx context.Context, user *domain.User, params map[string]any) (*Result, error) {
	id, err := requireSandboxID(params)
	if err != nil {
		return nil, err
	}
	code, err := requireString(params, "code")
	if err != nil {
		return nil, err
	}
	out, err := t.coord.ExecuteCode(ctx, user, id, code)
	if err != nil {
		return nil, err
	}
	links := out.FileLinks
	if links == nil {
		links = []string{}
	}
	return &Result{Data: map[string]any{
		"stdout":     out.Stdout,
		"stderr":     out.Stderr,
		"file_links": links,
	}}, nil
}

type executeTerminalTool struct {
	coord Coordinator
}

func (t *executeTerminalTool) Name() string { return "execute_terminal_command" }

func (t *executeTerminalTool) Description() string {
	return "Run a shell command inside a sandbox and return its output and exit code."
}

func (t *executeTerminalTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"sandbox_id": stringProp("Id of the sandbox to run in."),
		"command":    stringProp("Shell command line to execute."),
	}, "sandbox_id", "command")
}

func (t *executeTerminalTool) Validate(params map[string]any) error {
	if err := rejectUnknown(params, "sandbox_id", "command"); err != nil {
		return err
	}
	if _, err := requireSandboxID(params); err != nil {
		return err
	}
	_, err := requireString(params, "command")
	return err
}

func (t *executeTerminalTool) Execute(ctx context.Context, user *domain.User, params map[string]any) (*Result, error) {
	id, err := requireSandboxID(params)
	if err != nil {
		return nil, err
	}
	command, err := requireString(params, "command")
	if err != nil {
		return nil, err
	}
	out, err := t.coord.ExecuteTerminal(ctx, user, id, command)
	if err != nil {
		return nil, err
	}
	return &Result{Data: map[string]any{
		"stdout":    out.Stdout,
		"stderr":    out.Stderr,
		"exit_code": out.ExitCode,
	}}, nil
}

type uploadFileTool struct {
	coord Coordinator
}

func (t *uploadFileTool) Name() string { return "upload_file_to_sandbox" }

func (t *uploadFileTool) Description() string {
	return "Copy a file from the host into a sandbox. Destination defaults to /app/results."
}

func (t *uploadFileTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"sandbox_id":      stringProp("Id of the target sandbox."),
		"local_file_path": stringProp("Path of the file on the host."),
		"dest_path":       stringProp("Destination directory inside the container."),
	}, "sandbox_id", "local_file_path")
}

func (t *uploadFileTool) Validate(params map[string]any) error {
	if err := rejectUnknown(params, "sandbox_id", "local_file_path", "dest_path"); err != nil {
		return err
	}
	if _, err := requireSandboxID(params); err != nil {
		return err
	}
	if _, err := requireString(params, "local_file_path"); err != nil {
		return err
	}
	_, err := optionalString(params, "dest_path")
	return err
}

func (t *uploadFileTool) Execute(ctx context.Context, user *domain.User, params map[string]any) (*Result, error) {
	id, err := requireSandboxID(params)
	if err != nil {
		return nil, err
	}
	localPath, err := requireString(params, "local_file_path")
	if err != nil {
		return nil, err
	}
	destPath, _ := optionalString(params, "dest_path")
	pathInContainer, err := t.coord.UploadFile(ctx, user, id, localPath, destPath)
	if err != nil {
		return nil, err
	}
	return &Result{Data: map[string]any{"path_in_container": pathInContainer}}, nil
}
