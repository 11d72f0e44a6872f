// Package files publishes sandbox result files on the host and serves
// them back by stable URL. It owns {results_root}/{sandbox_id}/... and
// is the only package that touches that tree.
package files

import (
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// URLPrefix is where the HTTP gateway mounts published files.
const URLPrefix = "/sandbox/file"

// Publisher stages result files under a root directory and hands out
// capability URLs for them.
type Publisher struct {
	root   string
	logger *slog.Logger
}

// NewPublisher creates a Publisher rooted at dir, creating it if needed.
func NewPublisher(dir string, logger *slog.Logger) (*Publisher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving results root: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("creating results root %s: %w", abs, err)
	}
	return &Publisher{root: abs, logger: logger}, nil
}

// Root returns the absolute results root directory.
func (p *Publisher) Root() string { return p.root }

// Publish writes data atomically under the sandbox subtree and returns
// the stable URL it will be served from.
func (p *Publisher) Publish(sandboxID uuid.UUID, relativePath string, data []byte) (string, error) {
	dest, err := p.resolve(sandboxID, relativePath)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return "", domain.Wrap(domain.CodeIOError, "creating artifact directory", err)
	}

	// Temp file + rename keeps readers from ever seeing a partial write.
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".publish-*")
	if err != nil {
		return "", domain.Wrap(domain.CodeIOError, "staging artifact", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", domain.Wrap(domain.CodeIOError, "writing artifact", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", domain.Wrap(domain.CodeIOError, "closing artifact", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", domain.Wrap(domain.CodeIOError, "publishing artifact", err)
	}

	p.logger.Debug("file published",
		slog.String("sandbox_id", sandboxID.String()),
		slog.String("path", relativePath),
		slog.Int("bytes", len(data)),
	)
	return FileURL(sandboxID, relativePath), nil
}

// Fetch reads a published file and returns its bytes plus the content
// type inferred from the extension.
func (p *Publisher) Fetch(sandboxID uuid.UUID, relativePath string) ([]byte, string, error) {
	dest, err := p.resolve(sandboxID, relativePath)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", domain.E(domain.CodeNotFound, "file not found")
		}
		return nil, "", domain.Wrap(domain.CodeIOError, "reading published file", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(dest))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// Forget deletes the whole subtree for a sandbox.
func (p *Publisher) Forget(sandboxID uuid.UUID) error {
	dir := filepath.Join(p.root, sandboxID.String())
	if err := os.RemoveAll(dir); err != nil {
		return domain.Wrap(domain.CodeIOError, "removing sandbox files", err)
	}
	return nil
}

// Prune deletes published files whose mtime is older than ttl, then
// drops empty sandbox directories. Errors are logged, not returned:
// a failed prune retries next tick.
func (p *Publisher) Prune(now time.Time, ttl time.Duration) {
	cutoff := now.Add(-ttl)
	removed := 0

	entries, err := os.ReadDir(p.root)
	if err != nil {
		p.logger.Warn("prune: reading results root", slog.String("error", err.Error()))
		return
	}

	for _, dir := range entries {
		if !dir.IsDir() {
			continue
		}
		subtree := filepath.Join(p.root, dir.Name())
		_ = filepath.Walk(subtree, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(path); err != nil {
					p.logger.Warn("prune: removing file",
						slog.String("path", path), slog.String("error", err.Error()))
				} else {
					removed++
				}
			}
			return nil
		})
		// Best effort. Fails while the directory still has files.
		_ = os.Remove(subtree)
	}

	if removed > 0 {
		p.logger.Info("pruned published files", slog.Int("removed", removed))
	}
}

// resolve validates a relative path and maps it under the sandbox
// subtree. Anything that could escape the subtree is bad_path.
func (p *Publisher) resolve(sandboxID uuid.UUID, relativePath string) (string, error) {
	if err := ValidateRelPath(relativePath); err != nil {
		return "", err
	}
	dest := filepath.Join(p.root, sandboxID.String(), filepath.FromSlash(relativePath))

	// Re-check after joining. filepath.Join cleans the path, so a result
	// outside the subtree means traversal survived validation.
	subtree := filepath.Join(p.root, sandboxID.String())
	if dest != subtree && !strings.HasPrefix(dest, subtree+string(filepath.Separator)) {
		return "", domain.Ef(domain.CodeBadPath, "path %q escapes the sandbox subtree", relativePath)
	}
	return dest, nil
}

// ValidateRelPath rejects anything other than a clean, relative,
// slash-separated path with no traversal.
func ValidateRelPath(relativePath string) error {
	if relativePath == "" {
		return domain.E(domain.CodeBadPath, "empty path")
	}
	if strings.HasPrefix(relativePath, "/") || strings.HasPrefix(relativePath, "\\") {
		return domain.Ef(domain.CodeBadPath, "absolute path %q not allowed", relativePath)
	}
	if strings.Contains(relativePath, "\x00") {
		return domain.E(domain.CodeBadPath, "path contains NUL")
	}
	cleaned := path.Clean(relativePath)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return domain.Ef(domain.CodeBadPath, "path %q traverses outside the sandbox", relativePath)
	}
	for _, part := range strings.Split(cleaned, "/") {
		if part == ".." {
			return domain.Ef(domain.CodeBadPath, "path %q traverses outside the sandbox", relativePath)
		}
	}
	return nil
}

// FileURL returns the stable serving URL for a published file, with
// each path segment percent-encoded.
func FileURL(sandboxID uuid.UUID, relativePath string) string {
	segments := strings.Split(path.Clean(relativePath), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return URLPrefix + "/" + sandboxID.String() + "/" + strings.Join(segments, "/")
}
