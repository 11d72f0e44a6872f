// Package storage defines the unified Store interface that abstracts all
// persistence. Two backends are provided: SQLite (default, zero-config,
// single durable file) and PostgreSQL (production/multi-host readiness).
package storage

import (
	"context"

	"gorm.io/gorm"

	"github.com/jkaninda/sandboxd/internal/identity"
	"github.com/jkaninda/sandboxd/internal/registry"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the unified persistence interface. Both backends implement it;
// the returned sub-stores share the same underlying connection.
type Store interface {
	Users() identity.UserStore
	Sandboxes() registry.SandboxStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Ping verifies the backing database is reachable (readiness checks).
	Ping(ctx context.Context) error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string

	// GormDB exposes the underlying connection for backend-specific needs.
	GormDB() *gorm.DB
}
