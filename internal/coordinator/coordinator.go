// Package coordinator implements the high-level sandbox operations:
// lifecycle, serialized code execution, async package installs, and
// result-file publishing. All per-sandbox work is serialized by a
// refcounted keyed mutex; installs run in the background and only take
// the lock for state transitions.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/files"
	"github.com/jkaninda/sandboxd/internal/observability"
	"github.com/jkaninda/sandboxd/internal/registry"
	"github.com/jkaninda/sandboxd/internal/sandbox"
)

const (
	// resultsDir is where executed code drops files it wants published.
	resultsDir = "/app/results"

	// scriptPath is where execute_code stages the submitted script.
	scriptPath = "/app/script.py"

	defaultExecTimeout    = 30 * time.Second
	defaultInstallTimeout = 5 * time.Minute

	// tailBytes bounds the stdout/stderr tails kept on install records.
	tailBytes = 2000
)

// packageNamePattern accepts PEP 508-ish names with optional extras and
// version pins. Anything else is rejected before reaching the package
// manager.
var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(\[[A-Za-z0-9._,\s-]+\])?([=<>!~;][^\s]*)?$`)

// Config tunes the coordinator.
type Config struct {
	ExecTimeout    time.Duration // Wall clock per code/terminal exec. Default 30s.
	InstallTimeout time.Duration // Wall clock per package install. Default 5m.
	UserLimit      int           // Max sandboxes per user. Default 10.
	PipIndexURL    string        // Optional package index mirror.
}

func (c Config) execTimeout() time.Duration {
	if c.ExecTimeout > 0 {
		return c.ExecTimeout
	}
	return defaultExecTimeout
}

func (c Config) installTimeout() time.Duration {
	if c.InstallTimeout > 0 {
		return c.InstallTimeout
	}
	return defaultInstallTimeout
}

func (c Config) userLimit() int {
	if c.UserLimit > 0 {
		return c.UserLimit
	}
	return 10
}

// ExecOutput is the result of execute_code.
type ExecOutput struct {
	Stdout    string
	Stderr    string
	FileLinks []string
}

// TerminalOutput is the result of execute_terminal.
type TerminalOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// PackageStatus is the answer to a package status check.
type PackageStatus struct {
	Status string
	Detail string
}

// Coordinator owns sandbox operations end to end.
type Coordinator struct {
	cfg       Config
	boxes     registry.SandboxStore
	driver    sandbox.Driver
	publisher *files.Publisher
	locks     *lockTable
	installs  *recordTable
	metrics   *observability.MetricsCollector
	logger    *slog.Logger

	installWG sync.WaitGroup
}

// New creates a Coordinator. metrics may be nil.
func New(cfg Config, boxes registry.SandboxStore, driver sandbox.Driver, publisher *files.Publisher, metrics *observability.MetricsCollector, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		boxes:     boxes,
		driver:    driver,
		publisher: publisher,
		locks:     newLockTable(),
		installs:  newRecordTable(),
		metrics:   metrics,
		logger:    logger,
	}
}

// Wait blocks until all background package installs have finished.
// Used on shutdown and in tests.
func (c *Coordinator) Wait() {
	c.installWG.Wait()
}

// CreateSandbox provisions a container and records the binding. If the
// container starts but persistence fails, the container is removed
// before returning.
func (c *Coordinator) CreateSandbox(ctx context.Context, user *domain.User, name string) (*domain.Sandbox, error) {
	start := time.Now()

	// Lock on the user id so the limit check and the insert are one
	// step; concurrent creates would otherwise both pass the count.
	unlock := c.locks.acquire(user.ID)
	defer unlock()

	count, err := c.boxes.CountByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if count >= int64(c.cfg.userLimit()) {
		c.metrics.RecordOp("create_sandbox", "limit", time.Since(start).Seconds())
		return nil, domain.Ef(domain.CodeInvalidArgument, "sandbox limit reached (%d)", c.cfg.userLimit())
	}

	containerID, err := c.driver.CreateAndStart(ctx)
	if err != nil {
		c.metrics.RecordOp("create_sandbox", string(domain.CodeOf(err)), time.Since(start).Seconds())
		return nil, err
	}

	// Executed code relies on the results directory existing.
	if _, err := c.driver.Exec(ctx, containerID, []string{"mkdir", "-p", resultsDir}, nil); err != nil {
		c.rollbackContainer(containerID)
		c.metrics.RecordOp("create_sandbox", string(domain.CodeOf(err)), time.Since(start).Seconds())
		return nil, fmt.Errorf("preparing results directory: %w", err)
	}

	if name == "" {
		name = fmt.Sprintf("Sandbox %d", count+1)
	}

	now := time.Now().UTC()
	sb := &domain.Sandbox{
		ID:          uuid.New(),
		UserID:      user.ID,
		Name:        name,
		ContainerID: containerID,
		CreatedAt:   now,
		LastUsedAt:  now,
	}

	if err := c.boxes.Create(ctx, sb); err != nil {
		c.rollbackContainer(containerID)
		c.metrics.RecordOp("create_sandbox", "persist_failed", time.Since(start).Seconds())
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.ActiveSandboxes.Inc()
	}
	c.metrics.RecordOp("create_sandbox", "success", time.Since(start).Seconds())
	c.logger.Info("sandbox created",
		slog.String("sandbox_id", sb.ID.String()),
		slog.String("user_id", user.ID.String()),
		slog.String("name", name),
	)
	return sb, nil
}

// ListSandboxes returns the caller's sandboxes, oldest first.
func (c *Coordinator) ListSandboxes(ctx context.Context, user *domain.User) ([]domain.Sandbox, error) {
	return c.boxes.ListByUser(ctx, user.ID)
}

// DeleteSandbox tears the sandbox down: container, registry row,
// install records, and published files. An already-removed container
// counts as success.
func (c *Coordinator) DeleteSandbox(ctx context.Context, user *domain.User, id uuid.UUID) error {
	start := time.Now()
	release := c.locks.acquire(id)
	defer release()

	sb, err := c.authorize(ctx, user, id)
	if err != nil {
		c.metrics.RecordOp("delete_sandbox", string(domain.CodeOf(err)), time.Since(start).Seconds())
		return err
	}

	if err := c.driver.Remove(ctx, sb.ContainerID); err != nil {
		c.metrics.RecordOp("delete_sandbox", string(domain.CodeOf(err)), time.Since(start).Seconds())
		return err
	}
	if err := c.boxes.Delete(ctx, id); err != nil {
		return err
	}
	c.installs.dropSandbox(id)
	if err := c.publisher.Forget(id); err != nil {
		// The row and container are gone; the reaper's prune will catch
		// whatever this left behind.
		c.logger.Warn("forgetting published files failed",
			slog.String("sandbox_id", id.String()),
			slog.String("error", err.Error()),
		)
	}

	if c.metrics != nil {
		c.metrics.ActiveSandboxes.Dec()
	}
	c.metrics.RecordOp("delete_sandbox", "success", time.Since(start).Seconds())
	c.logger.Info("sandbox deleted",
		slog.String("sandbox_id", id.String()),
		slog.String("user_id", user.ID.String()),
	)
	return nil
}

// ExecuteCode runs Python code in the sandbox and publishes any files
// it drops under the results directory. Non-zero interpreter exits are
// still successful runs; the traceback lives in stderr.
func (c *Coordinator) ExecuteCode(ctx context.Context, user *domain.User, id uuid.UUID, code string) (*ExecOutput, error) {
	start := time.Now()
	release := c.locks.acquire(id)
	defer release()

	sb, err := c.authorize(ctx, user, id)
	if err != nil {
		c.metrics.RecordOp("execute_code", string(domain.CodeOf(err)), time.Since(start).Seconds())
		return nil, err
	}

	baseline, err := c.driver.ListDir(ctx, sb.ContainerID, resultsDir)
	if err != nil {
		c.metrics.RecordOp("execute_code", string(domain.CodeOf(err)), time.Since(start).Seconds())
		return nil, err
	}

	if err := c.stageScript(ctx, sb.ContainerID, code); err != nil {
		c.metrics.RecordOp("execute_code", string(domain.CodeOf(err)), time.Since(start).Seconds())
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, c.cfg.execTimeout())
	res, err := c.driver.Exec(execCtx, sb.ContainerID, []string{"python3", scriptPath}, nil)
	cancel()
	if err != nil {
		c.metrics.RecordOp("execute_code", string(domain.CodeOf(err)), time.Since(start).Seconds())
		return nil, err
	}

	links := c.publishArtifacts(ctx, sb, baseline)
	c.touch(ctx, id)

	c.metrics.RecordOp("execute_code", "success", time.Since(start).Seconds())
	return &ExecOutput{
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		FileLinks: links,
	}, nil
}

// ExecuteTerminal runs a shell command in the sandbox. The exit code is
// part of the result, not an error.
func (c *Coordinator) ExecuteTerminal(ctx context.Context, user *domain.User, id uuid.UUID, command string) (*TerminalOutput, error) {
	start := time.Now()
	release := c.locks.acquire(id)
	defer release()

	sb, err := c.authorize(ctx, user, id)
	if err != nil {
		c.metrics.RecordOp("execute_terminal", string(domain.CodeOf(err)), time.Since(start).Seconds())
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, c.cfg.execTimeout())
	res, err := c.driver.Exec(execCtx, sb.ContainerID, []string{"sh", "-c", command}, nil)
	cancel()
	if err != nil {
		c.metrics.RecordOp("execute_terminal", string(domain.CodeOf(err)), time.Since(start).Seconds())
		return nil, err
	}

	c.touch(ctx, id)
	c.metrics.RecordOp("execute_terminal", "success", time.Since(start).Seconds())
	return &TerminalOutput{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}, nil
}

// InstallPackage starts (or joins) an asynchronous package install.
// A request for a package already installing joins the in-flight job
// and gets the same record.
func (c *Coordinator) InstallPackage(ctx context.Context, user *domain.User, id uuid.UUID, pkg string) (InstallRecord, error) {
	pkg = strings.TrimSpace(pkg)
	if !packageNamePattern.MatchString(pkg) {
		return InstallRecord{}, domain.Ef(domain.CodeInvalidArgument, "invalid package name %q", pkg)
	}

	release := c.locks.acquire(id)
	defer release()

	sb, err := c.authorize(ctx, user, id)
	if err != nil {
		return InstallRecord{}, err
	}

	rec, started := c.installs.begin(id, pkg)
	if !started {
		return rec, nil
	}

	// The install runs without the per-sandbox lock; only record
	// transitions synchronize. Detached from the request context so a
	// client disconnect does not abort the install.
	c.installWG.Add(1)
	go c.runInstall(sb.ContainerID, id, pkg)

	c.logger.Info("package install started",
		slog.String("sandbox_id", id.String()),
		slog.String("package", pkg),
		slog.String("record_id", rec.ID.String()),
	)
	return rec, nil
}

// runInstall executes the package manager and lands the outcome in the
// record table. Panics are captured as failures; the process never
// crashes on a bad install.
func (c *Coordinator) runInstall(containerID string, sandboxID uuid.UUID, pkg string) {
	defer c.installWG.Done()
	defer func() {
		if r := recover(); r != nil {
			c.installs.complete(sandboxID, pkg, StatusFailed, "", fmt.Sprintf("install panicked: %v", r))
			c.metrics.RecordInstall(string(StatusFailed))
			c.logger.Error("package install panicked",
				slog.String("sandbox_id", sandboxID.String()),
				slog.String("package", pkg),
				slog.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.installTimeout())
	defer cancel()

	argv := []string{"python3", "-m", "pip", "install", "--no-input"}
	if c.cfg.PipIndexURL != "" {
		argv = append(argv, "--index-url", c.cfg.PipIndexURL)
	}
	argv = append(argv, pkg)

	res, err := c.driver.Exec(ctx, containerID, argv, nil)

	status := StatusSuccess
	var stdoutTail, stderrTail string
	switch {
	case err != nil:
		status = StatusFailed
		stderrTail = tail(err.Error())
	case res.ExitCode != 0:
		status = StatusFailed
		stdoutTail = tail(res.Stdout)
		stderrTail = tail(res.Stderr)
	default:
		stdoutTail = tail(res.Stdout)
	}

	c.installs.complete(sandboxID, pkg, status, stdoutTail, stderrTail)
	c.metrics.RecordInstall(string(status))
	c.logger.Info("package install finished",
		slog.String("sandbox_id", sandboxID.String()),
		slog.String("package", pkg),
		slog.String("status", string(status)),
	)
}

// CheckPackageStatus reads the install record without taking the
// per-sandbox lock. With no record it probes the interpreter, so
// packages present before a restart still answer correctly.
func (c *Coordinator) CheckPackageStatus(ctx context.Context, user *domain.User, id uuid.UUID, pkg string) (PackageStatus, error) {
	sb, err := c.authorize(ctx, user, id)
	if err != nil {
		return PackageStatus{}, err
	}

	if rec, ok := c.installs.get(id, pkg); ok {
		detail := rec.StdoutTail
		if rec.Status == StatusFailed {
			detail = rec.StderrTail
		}
		return PackageStatus{Status: string(rec.Status), Detail: detail}, nil
	}

	res, err := c.driver.Exec(ctx, sb.ContainerID, []string{"python3", "-m", "pip", "show", pkg}, nil)
	if err != nil {
		return PackageStatus{}, err
	}
	if res.ExitCode == 0 {
		return PackageStatus{Status: "already_installed", Detail: "package present in the environment"}, nil
	}
	return PackageStatus{Status: "not_installed", Detail: "no installation record for this package"}, nil
}

// UploadFile copies a host-side file into the sandbox. destPath
// defaults to the results directory; a trailing slash or existing
// directory target keeps the source's base name.
func (c *Coordinator) UploadFile(ctx context.Context, user *domain.User, id uuid.UUID, localPath, destPath string) (string, error) {
	start := time.Now()

	info, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", domain.Ef(domain.CodeNotFound, "local file %s not found", localPath)
		}
		return "", domain.Wrap(domain.CodeIOError, "reading local file", err)
	}
	if info.IsDir() {
		return "", domain.Ef(domain.CodeInvalidArgument, "%s is a directory", localPath)
	}

	if destPath == "" {
		destPath = resultsDir
	}
	if strings.HasSuffix(destPath, "/") || destPath == resultsDir {
		destPath = strings.TrimSuffix(destPath, "/") + "/" + filepath.Base(localPath)
	}

	release := c.locks.acquire(id)
	defer release()

	sb, err := c.authorize(ctx, user, id)
	if err != nil {
		c.metrics.RecordOp("upload_file", string(domain.CodeOf(err)), time.Since(start).Seconds())
		return "", err
	}

	if err := c.driver.CopyInto(ctx, sb.ContainerID, localPath, destPath); err != nil {
		c.metrics.RecordOp("upload_file", string(domain.CodeOf(err)), time.Since(start).Seconds())
		return "", err
	}

	c.touch(ctx, id)
	c.metrics.RecordOp("upload_file", "success", time.Since(start).Seconds())
	return destPath, nil
}

// ReapSandbox is the reaper's teardown entry: same flow as a user
// delete but without an owner check.
func (c *Coordinator) ReapSandbox(ctx context.Context, id uuid.UUID) error {
	release := c.locks.acquire(id)
	defer release()

	sb, err := c.boxes.Get(ctx, id)
	if err != nil {
		if domain.IsCode(err, domain.CodeNotFound) {
			return nil
		}
		return err
	}

	if err := c.driver.Remove(ctx, sb.ContainerID); err != nil {
		return err
	}
	if err := c.boxes.Delete(ctx, id); err != nil {
		return err
	}
	c.installs.dropSandbox(id)
	if err := c.publisher.Forget(id); err != nil {
		c.logger.Warn("forgetting published files failed",
			slog.String("sandbox_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
	if c.metrics != nil {
		c.metrics.ActiveSandboxes.Dec()
	}
	return nil
}

// authorize loads the sandbox and checks ownership. A sandbox owned by
// someone else fails with not_authorized, not not_found: sandbox IDs
// are unguessable UUIDs, so existence does not leak anything useful.
func (c *Coordinator) authorize(ctx context.Context, user *domain.User, id uuid.UUID) (*domain.Sandbox, error) {
	sb, err := c.boxes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.UserID != user.ID {
		return nil, domain.E(domain.CodeNotAuthorized, "sandbox belongs to another user")
	}
	return sb, nil
}

// stageScript lands the submitted code at the fixed script path.
func (c *Coordinator) stageScript(ctx context.Context, containerID, code string) error {
	tmp, err := os.CreateTemp("", "sandboxd-script-*.py")
	if err != nil {
		return domain.Wrap(domain.CodeIOError, "staging script", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		return domain.Wrap(domain.CodeIOError, "writing script", err)
	}
	if err := tmp.Close(); err != nil {
		return domain.Wrap(domain.CodeIOError, "writing script", err)
	}

	return c.driver.CopyInto(ctx, containerID, tmpName, scriptPath)
}

// publishArtifacts diffs the results directory against the baseline and
// publishes anything new or changed. A file counts as produced when its
// name is new or its (mtime, size) moved. Artifacts that fail path
// validation or copy-out are skipped with a log; the run still
// succeeds.
func (c *Coordinator) publishArtifacts(ctx context.Context, sb *domain.Sandbox, baseline []sandbox.Entry) []string {
	after, err := c.driver.ListDir(ctx, sb.ContainerID, resultsDir)
	if err != nil {
		c.logger.Warn("enumerating results after run failed",
			slog.String("sandbox_id", sb.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}

	before := make(map[string]sandbox.Entry, len(baseline))
	for _, e := range baseline {
		before[e.Name] = e
	}

	var links []string
	for _, e := range after {
		if prev, ok := before[e.Name]; ok && prev.ModTime.Equal(e.ModTime) && prev.Size == e.Size {
			continue
		}

		if err := files.ValidateRelPath(e.Name); err != nil {
			c.logger.Warn("skipping artifact with unsafe name",
				slog.String("sandbox_id", sb.ID.String()),
				slog.String("name", e.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		data, err := c.driver.CopyOut(ctx, sb.ContainerID, resultsDir+"/"+e.Name)
		if err != nil {
			c.logger.Warn("copying artifact out failed",
				slog.String("sandbox_id", sb.ID.String()),
				slog.String("name", e.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		url, err := c.publisher.Publish(sb.ID, e.Name, data)
		if err != nil {
			c.logger.Warn("publishing artifact failed",
				slog.String("sandbox_id", sb.ID.String()),
				slog.String("name", e.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.metrics.RecordPublished()
		links = append(links, url)
	}
	return links
}

// touch refreshes last_used_at; failure is logged, never surfaced.
func (c *Coordinator) touch(ctx context.Context, id uuid.UUID) {
	if err := c.boxes.Touch(ctx, id); err != nil {
		c.logger.Warn("touching sandbox failed",
			slog.String("sandbox_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// rollbackContainer best-effort removes a container after a failed
// create. Detached context: the request may already be cancelled.
func (c *Coordinator) rollbackContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.driver.Remove(ctx, containerID); err != nil {
		c.logger.Error("rolling back container failed",
			slog.String("container", containerID),
			slog.String("error", err.Error()),
		)
	}
}

// tail returns the last tailBytes of s.
func tail(s string) string {
	if len(s) <= tailBytes {
		return s
	}
	return s[len(s)-tailBytes:]
}
