package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/sandboxd/internal/domain"
)

const (
	defaultImage       = "python-sandbox:latest"
	defaultExecTimeout = 30 * time.Second
	defaultMemoryMB    = 512
	defaultCPUCores    = 1.0
	defaultPIDsLimit   = 128

	// maxOutputBytes caps stdout/stderr per exec to prevent OOM from
	// chatty programs. Truncation appends truncationSentinel.
	maxOutputBytes     = 1 << 20 // 1 MB
	truncationSentinel = "\n[output truncated]"

	containerLabel = "sandboxd=true"
)

// DockerConfig configures the Docker-based driver.
type DockerConfig struct {
	Image       string        // Base image (a minimal Python distribution).
	ExecTimeout time.Duration // Default wall-clock timeout per exec.
	MemoryMB    int           // --memory hard limit.
	CPUCores    float64       // --cpus rate limit.
	PIDsLimit   int           // --pids-limit (prevents fork bombs).
	User        string        // --user override. Empty = image default (non-root).
	DisableNet  bool          // true = --network=none (breaks package installs).
}

// DockerDriver manages long-lived containers through the docker CLI.
//
// Container hardening:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
//   - CPU rate limited
//   - Runs as the image's non-root user unless overridden
//   - stdout/stderr capped per exec to protect the host
//   - Execs wrapped with timeout(1) so the in-container process dies
//     at the deadline, not just the host-side CLI
//
// The root filesystem stays writable so the package manager can install
// into site-packages, and networking stays on for the same reason.
type DockerDriver struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerDriver creates a Docker-based driver.
func NewDockerDriver(cfg DockerConfig, logger *slog.Logger) *DockerDriver {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	return &DockerDriver{config: cfg, logger: logger}
}

// CreateAndStart runs a detached container with a no-op foreground
// command so it stays alive until removed.
func (d *DockerDriver) CreateAndStart(ctx context.Context) (string, error) {
	name, err := generateContainerName()
	if err != nil {
		return "", fmt.Errorf("generating container name: %w", err)
	}

	args := d.buildRunArgs(name)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return "", mapDockerError(err, stderr.String())
	}

	containerID := strings.TrimSpace(stdout.String())
	if containerID == "" {
		return "", domain.E(domain.CodeRuntimeUnavailable, "container runtime returned no container id")
	}

	d.logger.Info("container started",
		slog.String("container", name),
		slog.String("image", d.config.Image),
		slog.Duration("duration", time.Since(start)),
	)
	return containerID, nil
}

// buildRunArgs constructs the docker run argument list with hardening
// flags. The foreground no-op comes last.
func (d *DockerDriver) buildRunArgs(name string) []string {
	memoryFlag := strconv.Itoa(d.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(d.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(d.config.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", containerLabel,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap.
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,
	}

	if d.config.User != "" {
		args = append(args, "--user="+d.config.User)
	}
	if d.config.DisableNet {
		args = append(args, "--network=none")
	}

	args = append(args, d.config.Image, "sleep", "infinity")
	return args
}

// Exec runs argv inside the container through docker exec.
func (d *DockerDriver) Exec(ctx context.Context, containerID string, argv []string, stdin io.Reader) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, domain.E(domain.CodeInvalidArgument, "empty command")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ExecTimeout)
		defer cancel()
	}

	args := []string{"exec"}
	if stdin != nil {
		args = append(args, "-i")
	}
	args = append(args, containerID)
	deadline, _ := ctx.Deadline()
	args = append(args, killAfter(argv, time.Until(deadline))...)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutW := &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	stderrW := &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.logger.Warn("exec timed out",
				slog.String("container", shortID(containerID)),
				slog.Duration("duration", duration),
			)
			return nil, domain.Wrap(domain.CodeExecTimeout,
				fmt.Sprintf("execution timed out after %s", duration.Round(time.Millisecond)), runErr)
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// docker exec forwards the in-container exit code. 125/126/127
			// from the CLI itself means the exec never ran.
			exitCode = exitErr.ExitCode()
			if exitCode >= 125 && isContainerGone(stderrBuf.String()) {
				return nil, containerGoneError(containerID, runErr)
			}
		} else {
			return nil, mapDockerError(runErr, stderrBuf.String())
		}
	}

	d.logger.Debug("exec completed",
		slog.String("container", shortID(containerID)),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &ExecResult{
		ExitCode: exitCode,
		Stdout:   stdoutW.result(),
		Stderr:   stderrW.result(),
		Duration: duration,
	}, nil
}

// CopyInto copies a host file into the container via docker cp.
func (d *DockerDriver) CopyInto(ctx context.Context, containerID, hostPath, containerPath string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "cp", hostPath, containerID+":"+containerPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if isContainerGone(stderr.String()) {
			return containerGoneError(containerID, err)
		}
		return domain.Wrap(domain.CodeIOError,
			fmt.Sprintf("copying into container: %s", strings.TrimSpace(stderr.String())), err)
	}
	return nil
}

// CopyOut reads a file from the container. docker cp emits a tar stream
// on stdout for "-" targets, so it copies into a temp dir instead and
// reads the file back.
func (d *DockerDriver) CopyOut(ctx context.Context, containerID, containerPath string) ([]byte, error) {
	tmp, err := os.MkdirTemp("", "sandboxd-cp-*")
	if err != nil {
		return nil, domain.Wrap(domain.CodeIOError, "creating staging dir", err)
	}
	defer os.RemoveAll(tmp)

	dest := filepath.Join(tmp, filepath.Base(containerPath))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "cp", containerID+":"+containerPath, dest)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if isContainerGone(msg) {
			return nil, containerGoneError(containerID, err)
		}
		if strings.Contains(msg, "No such file") || strings.Contains(msg, "Could not find the file") {
			return nil, domain.Ef(domain.CodeNotFound, "file %s not found in container", containerPath)
		}
		return nil, domain.Wrap(domain.CodeIOError,
			fmt.Sprintf("copying out of container: %s", strings.TrimSpace(msg)), err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		return nil, domain.Wrap(domain.CodeIOError, "reading staged file", err)
	}
	return data, nil
}

// listDirScript enumerates a directory inside the container, one file
// per line as name\tsize\tmtime_ns. A missing directory yields nothing.
const listDirScript = `import os, sys
try:
    with os.scandir(sys.argv[1]) as it:
        for e in it:
            if e.is_file(follow_symlinks=False):
                st = e.stat(follow_symlinks=False)
                print("%s\t%d\t%d" % (e.name, st.st_size, st.st_mtime_ns))
except FileNotFoundError:
    pass
`

// ListDir enumerates regular files in a container directory. The
// interpreter is always present since the base image is a Python
// distribution.
func (d *DockerDriver) ListDir(ctx context.Context, containerID, dir string) ([]Entry, error) {
	res, err := d.Exec(ctx, containerID, []string{"python3", "-c", listDirScript, dir}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, domain.Ef(domain.CodeIOError, "listing %s: %s", dir, strings.TrimSpace(res.Stderr))
	}

	var entries []Entry
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		mtimeNS, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:    parts[0],
			Size:    size,
			ModTime: time.Unix(0, mtimeNS),
		})
	}
	return entries, nil
}

// Exists reports whether the container is still known to the daemon,
// running or stopped. A stopped container keeps its installed packages
// and files, so it is not an orphan; a daemon restart must not read as
// every sandbox vanishing.
func (d *DockerDriver) Exists(ctx context.Context, containerID string) (bool, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "inspect", "--format", "{{.State.Status}}", containerID)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if isContainerGone(stderr.String()) {
			return false, nil
		}
		return false, mapDockerError(err, stderr.String())
	}
	return true, nil
}

// Ping reports whether the docker daemon is reachable. Used as a
// readiness check.
func (d *DockerDriver) Ping(ctx context.Context) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return mapDockerError(err, stderr.String())
	}
	return nil
}

// Remove force-removes the container. Absent containers are fine.
func (d *DockerDriver) Remove(ctx context.Context, containerID string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", containerID)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if isContainerGone(stderr.String()) {
			return nil
		}
		return mapDockerError(err, stderr.String())
	}
	d.logger.Info("container removed", slog.String("container", shortID(containerID)))
	return nil
}

// killAfter wraps argv so the process dies inside the container when
// the wall clock expires. Canceling the host-side docker exec alone
// leaves the in-container process running. The in-container limit gets
// one extra second so the host deadline fires first and the call still
// maps to exec_timeout.
func killAfter(argv []string, remaining time.Duration) []string {
	secs := int(remaining/time.Second) + 1
	if secs < 1 {
		secs = 1
	}
	wrapped := []string{"timeout", "-s", "KILL", strconv.Itoa(secs)}
	return append(wrapped, argv...)
}

// mapDockerError translates CLI failures into the taxonomy. The raw
// daemon message stays in the wrapped cause for logs.
func mapDockerError(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	switch {
	case strings.Contains(msg, "Unable to find image"),
		strings.Contains(msg, "pull access denied"),
		strings.Contains(msg, "manifest unknown"):
		return domain.Wrap(domain.CodeRuntimeUnavailable, "base image not available", err)
	case strings.Contains(msg, "Cannot connect to the Docker daemon"),
		strings.Contains(msg, "the docker daemon is not running"):
		return domain.Wrap(domain.CodeRuntimeUnavailable, "container runtime unreachable", err)
	case isContainerGone(msg):
		return domain.Wrap(domain.CodeRuntimeUnavailable, "container no longer exists",
			fmt.Errorf("%w: %w", ErrContainerGone, err))
	default:
		if msg != "" {
			return domain.Wrap(domain.CodeRuntimeUnavailable, msg, err)
		}
		return domain.Wrap(domain.CodeRuntimeUnavailable, "container runtime error", err)
	}
}

func containerGoneError(containerID string, cause error) error {
	return domain.Wrap(domain.CodeRuntimeUnavailable,
		fmt.Sprintf("container %s no longer exists", shortID(containerID)),
		fmt.Errorf("%w: %w", ErrContainerGone, cause))
}

func isContainerGone(stderr string) bool {
	return strings.Contains(stderr, "No such container") ||
		strings.Contains(stderr, "No such object") ||
		strings.Contains(stderr, "is not running")
}

func shortID(containerID string) string {
	if len(containerID) > 12 {
		return containerID[:12]
	}
	return containerID
}

// generateContainerName returns a unique container name: sandboxd-<12 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sandboxd-" + hex.EncodeToString(b), nil
}

// limitedWriter stops writing after a byte limit. Excess data is
// discarded and the result carries a truncation sentinel.
type limitedWriter struct {
	w         *bytes.Buffer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		lw.truncated = true
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		lw.truncated = true
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}

func (lw *limitedWriter) result() string {
	if lw.truncated {
		return lw.w.String() + truncationSentinel
	}
	return lw.w.String()
}

var _ Driver = (*DockerDriver)(nil)
