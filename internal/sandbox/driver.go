// Package sandbox provides the container driver behind every sandbox.
// The driver is the only code in the system that names the container
// runtime; everything above it speaks in container IDs and the error
// taxonomy.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrContainerGone is wrapped into driver errors when the container a
// call targets no longer exists. The coordinator uses it to tell a lost
// container apart from a daemon outage.
var ErrContainerGone = errors.New("container gone")

// Entry describes one file in a container directory listing.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// ExecResult captures the outcome of one exec inside a container.
// Stdout and Stderr are capped; truncation appends a sentinel line.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Driver manages long-lived sandbox containers. All calls are
// synchronous from the caller's view and may take seconds.
type Driver interface {
	// CreateAndStart creates a container from the configured base image
	// and starts it with a no-op foreground command so it stays alive.
	CreateAndStart(ctx context.Context) (string, error)

	// Exec runs argv inside the container. A deadline on ctx bounds the
	// wall clock; on expiry the exec process is killed and the call
	// fails with exec_timeout. The container stays alive.
	Exec(ctx context.Context, containerID string, argv []string, stdin io.Reader) (*ExecResult, error)

	// CopyInto copies a host file to a path inside the container.
	CopyInto(ctx context.Context, containerID, hostPath, containerPath string) error

	// CopyOut reads a file from inside the container.
	CopyOut(ctx context.Context, containerID, containerPath string) ([]byte, error)

	// ListDir enumerates a container directory. A missing directory
	// yields an empty listing, not an error.
	ListDir(ctx context.Context, containerID, dir string) ([]Entry, error)

	// Exists reports whether the container is still known to the runtime.
	Exists(ctx context.Context, containerID string) (bool, error)

	// Remove force-removes the container. Removing an absent container
	// is not an error.
	Remove(ctx context.Context, containerID string) error
}
