package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// SandboxRepository manages sandbox registry rows.
type SandboxRepository struct {
	db *gorm.DB
}

// NewSandboxRepository creates a SandboxRepository.
func NewSandboxRepository(db *gorm.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

// Create inserts a new sandbox row.
func (r *SandboxRepository) Create(ctx context.Context, sb *domain.Sandbox) error {
	if err := r.db.WithContext(ctx).Create(toSandboxModel(sb)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.E(domain.CodeConflict, "container already bound to a sandbox")
		}
		return fmt.Errorf("creating sandbox row: %w", err)
	}
	return nil
}

// Get returns the sandbox row by ID.
func (r *SandboxRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Sandbox, error) {
	var m SandboxModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "sandbox")
	}
	return toSandboxDomain(&m), nil
}

// ListByUser returns the user's sandboxes, oldest first.
func (r *SandboxRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Sandbox, error) {
	var models []SandboxModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	out := make([]domain.Sandbox, 0, len(models))
	for i := range models {
		out = append(out, *toSandboxDomain(&models[i]))
	}
	return out, nil
}

// CountByUser returns the number of sandboxes owned by the user.
func (r *SandboxRepository) CountByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("user_id = ?", userID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("counting sandboxes: %w", err)
	}
	return n, nil
}

// Delete removes the row. Absent rows are not an error — the reaper may
// race a user delete.
func (r *SandboxRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&SandboxModel{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting sandbox row: %w", err)
	}
	return nil
}

// Touch sets last_used_at to now.
func (r *SandboxRepository) Touch(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("id = ?", id).
		Update("last_used_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("touching sandbox: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.E(domain.CodeNotFound, "sandbox not found")
	}
	return nil
}

// List returns every sandbox row.
func (r *SandboxRepository) List(ctx context.Context) ([]domain.Sandbox, error) {
	var models []SandboxModel
	if err := r.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing all sandboxes: %w", err)
	}
	out := make([]domain.Sandbox, 0, len(models))
	for i := range models {
		out = append(out, *toSandboxDomain(&models[i]))
	}
	return out, nil
}
