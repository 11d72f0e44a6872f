// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is a registered account. PasswordHash and APIKey never leave the
// identity layer — outward-facing views use Redacted().
type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	PasswordHash string
	APIKey       string
	CreatedAt    time.Time
	IsActive     bool
}

// Redacted returns a copy safe for API responses (no hash, no key).
func (u User) Redacted() User {
	u.PasswordHash = ""
	u.APIKey = ""
	return u
}

// Sandbox is a logical, user-owned Python execution environment with a
// 1:1 binding to a container for its lifetime. ID is the stable external
// identifier; ContainerID is the runtime's handle and is never exposed
// through the tool surface.
type Sandbox struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Name        string
	ContainerID string
	CreatedAt   time.Time
	LastUsedAt  time.Time
}
