package files

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	p, err := NewPublisher(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return p
}

func TestPublishAndFetch(t *testing.T) {
	p := newTestPublisher(t)
	id := uuid.New()

	url, err := p.Publish(id, "plots/chart.png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := "/sandbox/file/" + id.String() + "/plots/chart.png"
	if url != want {
		t.Errorf("url = %q, want %q", url, want)
	}

	data, contentType, err := p.Fetch(id, "plots/chart.png")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("data = %q", data)
	}
	if contentType != "image/png" {
		t.Errorf("content type = %q, want image/png", contentType)
	}

	// Unknown extension falls back to octet-stream.
	if _, err := p.Publish(id, "out.weirdext", []byte("x")); err != nil {
		t.Fatal(err)
	}
	_, contentType, err = p.Fetch(id, "out.weirdext")
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "application/octet-stream" {
		t.Errorf("fallback content type = %q", contentType)
	}

	if _, _, err := p.Fetch(id, "missing.txt"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("Fetch(missing) = %v, want not_found", err)
	}
}

func TestPublishOverwriteIsAtomicReplace(t *testing.T) {
	p := newTestPublisher(t)
	id := uuid.New()

	if _, err := p.Publish(id, "data.csv", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Publish(id, "data.csv", []byte("v2")); err != nil {
		t.Fatalf("republish: %v", err)
	}
	data, _, err := p.Fetch(id, "data.csv")
	if err != nil || string(data) != "v2" {
		t.Errorf("Fetch after republish = (%q, %v)", data, err)
	}

	// No stray temp files left behind.
	entries, err := os.ReadDir(filepath.Join(p.Root(), id.String()))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".publish-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestPathTraversalRejected(t *testing.T) {
	p := newTestPublisher(t)
	id := uuid.New()

	bad := []string{
		"",
		"../escape.txt",
		"a/../../escape.txt",
		"/etc/passwd",
		"\\windows\\path",
		"a/b/../../../escape.txt",
		"nested/../..",
		"nul\x00byte",
	}
	for _, rel := range bad {
		if _, err := p.Publish(id, rel, []byte("x")); !domain.IsCode(err, domain.CodeBadPath) {
			t.Errorf("Publish(%q) = %v, want bad_path", rel, err)
		}
		if _, _, err := p.Fetch(id, rel); !domain.IsCode(err, domain.CodeBadPath) {
			t.Errorf("Fetch(%q) = %v, want bad_path", rel, err)
		}
	}

	// Interior dot segments that stay inside the subtree are fine.
	if _, err := p.Publish(id, "a/./b.txt", []byte("x")); err != nil {
		t.Errorf("Publish(a/./b.txt) = %v", err)
	}
}

func TestForget(t *testing.T) {
	p := newTestPublisher(t)
	id := uuid.New()
	other := uuid.New()

	if _, err := p.Publish(id, "a.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Publish(other, "b.txt", []byte("y")); err != nil {
		t.Fatal(err)
	}

	if err := p.Forget(id); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, _, err := p.Fetch(id, "a.txt"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("Fetch after Forget = %v, want not_found", err)
	}
	// Other sandboxes untouched.
	if _, _, err := p.Fetch(other, "b.txt"); err != nil {
		t.Errorf("unrelated sandbox lost its file: %v", err)
	}

	// Forgetting again is fine.
	if err := p.Forget(id); err != nil {
		t.Errorf("Forget twice: %v", err)
	}
}

func TestPrune(t *testing.T) {
	p := newTestPublisher(t)
	id := uuid.New()

	if _, err := p.Publish(id, "old.txt", []byte("old")); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Publish(id, "fresh.txt", []byte("new")); err != nil {
		t.Fatal(err)
	}

	// Age one file past the TTL.
	oldPath := filepath.Join(p.Root(), id.String(), "old.txt")
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatal(err)
	}

	p.Prune(time.Now(), time.Hour)

	if _, _, err := p.Fetch(id, "old.txt"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("stale file survived prune: %v", err)
	}
	if _, _, err := p.Fetch(id, "fresh.txt"); err != nil {
		t.Errorf("fresh file pruned: %v", err)
	}
}

func TestFileURLEncoding(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	got := FileURL(id, "my plots/q1 report.png")
	want := "/sandbox/file/11111111-2222-3333-4444-555555555555/my%20plots/q1%20report.png"
	if got != want {
		t.Errorf("FileURL = %q, want %q", got, want)
	}
}
