// Package registry defines the persistent sandbox registry contract.
// A registry row binds a logical sandbox ID to its owning user and the
// container backing it. Whoever removes the container is responsible for
// deleting the row (usually the reaper or an explicit user delete).
package registry

import (
	"context"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// SandboxStore persists sandbox rows.
type SandboxStore interface {
	// Create inserts a new sandbox row. The container must already exist;
	// on failure the caller removes the container before returning.
	Create(ctx context.Context, sb *domain.Sandbox) error

	// Get returns the sandbox or a not_found taxonomy error.
	Get(ctx context.Context, id uuid.UUID) (*domain.Sandbox, error)

	// ListByUser returns all sandboxes owned by the user, oldest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Sandbox, error)

	// CountByUser returns the number of sandboxes owned by the user.
	CountByUser(ctx context.Context, userID uuid.UUID) (int64, error)

	// Delete removes the row. Deleting an absent row is not an error.
	Delete(ctx context.Context, id uuid.UUID) error

	// Touch sets last_used_at to now.
	Touch(ctx context.Context, id uuid.UUID) error

	// List returns every sandbox row (the reaper's snapshot).
	List(ctx context.Context) ([]domain.Sandbox, error)
}
