package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/sandbox"
)

// fakeDriver is an in-memory stand-in for the container runtime. Each
// container holds a flat results directory; exec behavior is scripted
// through execHook.
type fakeDriver struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	execCalls  [][]string

	// execHook, when set, handles every exec that is not one of the
	// built-ins (mkdir). Returning a nil result falls through to an
	// empty success.
	execHook func(containerID string, argv []string) (*sandbox.ExecResult, error)
}

type fakeContainer struct {
	results map[string]sandbox.Entry
	content map[string][]byte
	files   map[string][]byte // non-results paths, keyed by full path
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{containers: make(map[string]*fakeContainer)}
}

func (d *fakeDriver) CreateAndStart(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	id := fmt.Sprintf("ctr-%04d", d.seq)
	d.containers[id] = &fakeContainer{
		results: make(map[string]sandbox.Entry),
		content: make(map[string][]byte),
		files:   make(map[string][]byte),
	}
	return id, nil
}

// putResult drops a file into the container's results directory.
func (d *fakeDriver) putResult(containerID, name string, data []byte, mtime time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctr := d.containers[containerID]
	ctr.results[name] = sandbox.Entry{Name: name, Size: int64(len(data)), ModTime: mtime}
	ctr.content[name] = data
}

func (d *fakeDriver) getContainer(containerID string) (*fakeContainer, error) {
	ctr, ok := d.containers[containerID]
	if !ok {
		return nil, domain.Wrap(domain.CodeRuntimeUnavailable, "container no longer exists",
			fmt.Errorf("%w: %s", sandbox.ErrContainerGone, containerID))
	}
	return ctr, nil
}

func (d *fakeDriver) Exec(ctx context.Context, containerID string, argv []string, _ io.Reader) (*sandbox.ExecResult, error) {
	d.mu.Lock()
	_, err := d.getContainer(containerID)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.execCalls = append(d.execCalls, argv)
	hook := d.execHook
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, domain.Wrap(domain.CodeExecTimeout, "execution timed out", err)
	}

	if len(argv) > 0 && argv[0] == "mkdir" {
		return &sandbox.ExecResult{}, nil
	}
	if hook != nil {
		res, err := hook(containerID, argv)
		if err != nil || res != nil {
			return res, err
		}
	}
	return &sandbox.ExecResult{}, nil
}

func (d *fakeDriver) CopyInto(_ context.Context, containerID, hostPath, containerPath string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return domain.Wrap(domain.CodeIOError, "reading host file", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ctr, cerr := d.getContainer(containerID)
	if cerr != nil {
		return cerr
	}
	if dir, name := path.Split(containerPath); dir == resultsDir+"/" {
		ctr.results[name] = sandbox.Entry{Name: name, Size: int64(len(data)), ModTime: time.Now()}
		ctr.content[name] = data
	} else {
		ctr.files[containerPath] = data
	}
	return nil
}

func (d *fakeDriver) CopyOut(_ context.Context, containerID, containerPath string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctr, err := d.getContainer(containerID)
	if err != nil {
		return nil, err
	}
	if dir, name := path.Split(containerPath); dir == resultsDir+"/" {
		if data, ok := ctr.content[name]; ok {
			return data, nil
		}
	}
	if data, ok := ctr.files[containerPath]; ok {
		return data, nil
	}
	return nil, domain.Ef(domain.CodeNotFound, "file %s not found in container", containerPath)
}

func (d *fakeDriver) ListDir(_ context.Context, containerID, dir string) ([]sandbox.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctr, err := d.getContainer(containerID)
	if err != nil {
		return nil, err
	}
	if dir != resultsDir {
		return nil, nil
	}
	entries := make([]sandbox.Entry, 0, len(ctr.results))
	for _, e := range ctr.results {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (d *fakeDriver) Exists(_ context.Context, containerID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.containers[containerID]
	return ok, nil
}

func (d *fakeDriver) Remove(_ context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, containerID)
	return nil
}

func (d *fakeDriver) execCount(match func(argv []string) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, call := range d.execCalls {
		if match(call) {
			n++
		}
	}
	return n
}

var _ sandbox.Driver = (*fakeDriver)(nil)

// memBoxStore is an in-memory SandboxStore.
type memBoxStore struct {
	mu         sync.Mutex
	rows       map[uuid.UUID]domain.Sandbox
	failCreate bool
}

func newMemBoxStore() *memBoxStore {
	return &memBoxStore{rows: make(map[uuid.UUID]domain.Sandbox)}
}

func (s *memBoxStore) Create(_ context.Context, sb *domain.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return domain.E(domain.CodeIOError, "simulated persistence failure")
	}
	s.rows[sb.ID] = *sb
	return nil
}

func (s *memBoxStore) Get(_ context.Context, id uuid.UUID) (*domain.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.rows[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "sandbox not found")
	}
	return &sb, nil
}

func (s *memBoxStore) ListByUser(_ context.Context, userID uuid.UUID) ([]domain.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Sandbox
	for _, sb := range s.rows {
		if sb.UserID == userID {
			out = append(out, sb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memBoxStore) CountByUser(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sb := range s.rows {
		if sb.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *memBoxStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *memBoxStore) Touch(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.rows[id]
	if !ok {
		return domain.E(domain.CodeNotFound, "sandbox not found")
	}
	sb.LastUsedAt = time.Now().UTC()
	s.rows[id] = sb
	return nil
}

func (s *memBoxStore) List(_ context.Context) ([]domain.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Sandbox, 0, len(s.rows))
	for _, sb := range s.rows {
		out = append(out, sb)
	}
	return out, nil
}
