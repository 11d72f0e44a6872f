package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// UserModel maps to the "users" table.
type UserModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username     string    `gorm:"not null;uniqueIndex"`
	Email        string    `gorm:"not null;uniqueIndex"`
	PasswordHash string    `gorm:"not null"`
	APIKey       string    `gorm:"not null;uniqueIndex"`
	IsActive     bool      `gorm:"not null;default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

// SandboxModel maps to the "sandboxes" table. The unique index on
// ContainerID keeps any container bound to at most one sandbox row.
type SandboxModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID      uuid.UUID `gorm:"type:uuid;not null;index"`
	Name        string    `gorm:"not null"`
	ContainerID string    `gorm:"not null;uniqueIndex"`
	CreatedAt   time.Time
	LastUsedAt  time.Time `gorm:"not null;index"`
}

func (SandboxModel) TableName() string { return "sandboxes" }

// --- Converters between GORM models and domain types ---

func toUserDomain(m *UserModel) *domain.User {
	return &domain.User{
		ID:           m.ID,
		Username:     m.Username,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		APIKey:       m.APIKey,
		CreatedAt:    m.CreatedAt,
		IsActive:     m.IsActive,
	}
}

func toUserModel(u *domain.User) *UserModel {
	return &UserModel{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		APIKey:       u.APIKey,
		IsActive:     u.IsActive,
		CreatedAt:    u.CreatedAt,
	}
}

func toSandboxDomain(m *SandboxModel) *domain.Sandbox {
	return &domain.Sandbox{
		ID:          m.ID,
		UserID:      m.UserID,
		Name:        m.Name,
		ContainerID: m.ContainerID,
		CreatedAt:   m.CreatedAt,
		LastUsedAt:  m.LastUsedAt,
	}
}

func toSandboxModel(sb *domain.Sandbox) *SandboxModel {
	return &SandboxModel{
		ID:          sb.ID,
		UserID:      sb.UserID,
		Name:        sb.Name,
		ContainerID: sb.ContainerID,
		CreatedAt:   sb.CreatedAt,
		LastUsedAt:  sb.LastUsedAt,
	}
}
