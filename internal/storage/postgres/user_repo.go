package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// UserRepository manages user records.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a UserRepository.
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) error {
	if err := r.db.WithContext(ctx).Create(toUserModel(u)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.E(domain.CodeConflict, "username or email already registered")
		}
		return fmt.Errorf("creating user %q: %w", u.Username, err)
	}
	return nil
}

// GetByID retrieves a user by internal ID.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var m UserModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "user")
	}
	return toUserDomain(&m), nil
}

// GetByUsername retrieves a user by username, case-insensitively.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	var m UserModel
	err := r.db.WithContext(ctx).
		Where("lower(username) = lower(?)", username).
		First(&m).Error
	if err != nil {
		return nil, notFoundOr(err, "user")
	}
	return toUserDomain(&m), nil
}

// GetByEmail retrieves a user by email, case-insensitively.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	var m UserModel
	err := r.db.WithContext(ctx).
		Where("lower(email) = lower(?)", email).
		First(&m).Error
	if err != nil {
		return nil, notFoundOr(err, "user")
	}
	return toUserDomain(&m), nil
}

// GetByAPIKey retrieves a user by exact API key.
func (r *UserRepository) GetByAPIKey(ctx context.Context, key string) (*domain.User, error) {
	var m UserModel
	if err := r.db.WithContext(ctx).First(&m, "api_key = ?", key).Error; err != nil {
		return nil, notFoundOr(err, "user")
	}
	return toUserDomain(&m), nil
}

// UpdateAPIKey replaces the stored API key in a single statement.
func (r *UserRepository) UpdateAPIKey(ctx context.Context, id uuid.UUID, key string) error {
	res := r.db.WithContext(ctx).
		Model(&UserModel{}).
		Where("id = ?", id).
		Update("api_key", key)
	if res.Error != nil {
		return fmt.Errorf("updating api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.E(domain.CodeNotFound, "user not found")
	}
	return nil
}

// UpdatePasswordHash replaces the stored password hash.
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	res := r.db.WithContext(ctx).
		Model(&UserModel{}).
		Where("id = ?", id).
		Update("password_hash", hash)
	if res.Error != nil {
		return fmt.Errorf("updating password hash: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.E(domain.CodeNotFound, "user not found")
	}
	return nil
}

// notFoundOr maps gorm.ErrRecordNotFound to the taxonomy; anything else
// is wrapped as-is.
func notFoundOr(err error, entity string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Ef(domain.CodeNotFound, "%s not found", entity)
	}
	return fmt.Errorf("loading %s: %w", entity, err)
}
