package coordinator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// InstallStatus is the lifecycle of one package installation.
type InstallStatus string

const (
	StatusInstalling InstallStatus = "installing"
	StatusSuccess    InstallStatus = "success"
	StatusFailed     InstallStatus = "failed"
)

// InstallRecord tracks one package installation in a sandbox. Records
// live in memory only; a restart forgets in-flight installs, and status
// checks fall back to probing the interpreter.
type InstallRecord struct {
	ID         uuid.UUID
	SandboxID  uuid.UUID
	Package    string
	Status     InstallStatus
	StartedAt  time.Time
	FinishedAt time.Time
	StdoutTail string
	StderrTail string
}

type recordKey struct {
	sandboxID uuid.UUID
	pkg       string
}

// recordTable is the install-record store. State transitions happen
// under the per-sandbox lock; reads are lock-free with respect to it
// and may observe an in-flight installation.
type recordTable struct {
	mu      sync.RWMutex
	records map[recordKey]InstallRecord
}

func newRecordTable() *recordTable {
	return &recordTable{records: make(map[recordKey]InstallRecord)}
}

// get returns a copy of the record, if any.
func (t *recordTable) get(sandboxID uuid.UUID, pkg string) (InstallRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[recordKey{sandboxID, pkg}]
	return rec, ok
}

// begin returns the record for (sandbox, package) and whether a new
// installation should start. An in-flight or succeeded record is
// returned unchanged; a failed or absent one is replaced with a fresh
// installing record.
func (t *recordTable) begin(sandboxID uuid.UUID, pkg string) (InstallRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := recordKey{sandboxID, pkg}
	if rec, ok := t.records[key]; ok && rec.Status != StatusFailed {
		return rec, false
	}

	rec := InstallRecord{
		ID:        uuid.New(),
		SandboxID: sandboxID,
		Package:   pkg,
		Status:    StatusInstalling,
		StartedAt: time.Now().UTC(),
	}
	t.records[key] = rec
	return rec, true
}

// complete transitions a record out of installing. A record dropped in
// the meantime (sandbox deleted) is left alone.
func (t *recordTable) complete(sandboxID uuid.UUID, pkg string, status InstallStatus, stdoutTail, stderrTail string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := recordKey{sandboxID, pkg}
	rec, ok := t.records[key]
	if !ok {
		return
	}
	rec.Status = status
	rec.FinishedAt = time.Now().UTC()
	rec.StdoutTail = stdoutTail
	rec.StderrTail = stderrTail
	t.records[key] = rec
}

// dropSandbox removes every record belonging to a sandbox.
func (t *recordTable) dropSandbox(sandboxID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.records {
		if key.sandboxID == sandboxID {
			delete(t.records, key)
		}
	}
}
