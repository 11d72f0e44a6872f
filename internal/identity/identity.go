// Package identity manages user accounts, credentials, and API keys.
// It resolves bearer session tokens and API keys to a user identity;
// everything downstream of it receives an already-authenticated user.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// UserStore persists user accounts.
type UserStore interface {
	Create(ctx context.Context, u *domain.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByAPIKey(ctx context.Context, key string) (*domain.User, error)
	UpdateAPIKey(ctx context.Context, id uuid.UUID, key string) error
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
}

// Config configures the identity service.
type Config struct {
	SigningKey        []byte        // HMAC key for session tokens.
	TokenTTL          time.Duration // Session token lifetime.
	MinPasswordLength int
}

// Service implements registration, login, and token/key resolution.
type Service struct {
	store  UserStore
	tokens *tokenSigner
	minLen int
	logger *slog.Logger
}

// NewService creates an identity Service.
func NewService(cfg Config, store UserStore, logger *slog.Logger) *Service {
	minLen := cfg.MinPasswordLength
	if minLen <= 0 {
		minLen = 8
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		store:  store,
		tokens: newTokenSigner(cfg.SigningKey, ttl),
		minLen: minLen,
		logger: logger,
	}
}

// Register creates a new account. Username and email are matched
// case-insensitively for uniqueness.
func (s *Service) Register(ctx context.Context, username, email, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if username == "" {
		return nil, domain.E(domain.CodeInvalidArgument, "username is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, domain.E(domain.CodeInvalidArgument, "invalid email address")
	}
	if len(password) < s.minLen {
		return nil, domain.Ef(domain.CodeInvalidArgument, "password must be at least %d characters", s.minLen)
	}

	if existing, err := s.store.GetByUsername(ctx, username); err == nil && existing != nil {
		return nil, domain.E(domain.CodeConflict, "username already taken")
	}
	if existing, err := s.store.GetByEmail(ctx, email); err == nil && existing != nil {
		return nil, domain.E(domain.CodeConflict, "email already registered")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	key, err := newAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generating api key: %w", err)
	}

	user := &domain.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		APIKey:       key,
		CreatedAt:    time.Now().UTC(),
		IsActive:     true,
	}
	if err := s.store.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("creating user %q: %w", username, err)
	}

	s.logger.Info("user registered",
		slog.String("user_id", user.ID.String()),
		slog.String("username", username),
	)
	return user, nil
}

// VerifyPassword checks username/password and returns the user.
// Failures are indistinguishable: unknown user and wrong password both
// return not_authorized.
func (s *Service) VerifyPassword(ctx context.Context, username, password string) (*domain.User, error) {
	user, err := s.store.GetByUsername(ctx, username)
	if err != nil || user == nil || !user.IsActive {
		// Burn comparable time so absent users aren't distinguishable.
		_ = VerifyPasswordHash(password, dummyHash)
		return nil, domain.E(domain.CodeNotAuthorized, "invalid credentials")
	}
	if !VerifyPasswordHash(password, user.PasswordHash) {
		return nil, domain.E(domain.CodeNotAuthorized, "invalid credentials")
	}
	return user, nil
}

// IssueToken mints a signed session token for the user.
func (s *Service) IssueToken(user *domain.User) (string, error) {
	return s.tokens.issue(user.ID)
}

// ResolveToken validates a bearer session token and loads its user.
func (s *Service) ResolveToken(ctx context.Context, bearer string) (*domain.User, error) {
	userID, err := s.tokens.verify(bearer)
	if err != nil {
		return nil, domain.E(domain.CodeNotAuthorized, "invalid token")
	}
	user, err := s.store.GetByID(ctx, userID)
	if err != nil || user == nil || !user.IsActive {
		return nil, domain.E(domain.CodeNotAuthorized, "invalid token")
	}
	return user, nil
}

// VerifyToken checks a bearer session token's signature and expiry and
// returns the user id it was issued for, without loading the account.
func (s *Service) VerifyToken(bearer string) (uuid.UUID, error) {
	userID, err := s.tokens.verify(bearer)
	if err != nil {
		return uuid.Nil, domain.E(domain.CodeNotAuthorized, "invalid token")
	}
	return userID, nil
}

// UserByID loads an active account by id.
func (s *Service) UserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	user, err := s.store.GetByID(ctx, id)
	if err != nil || user == nil || !user.IsActive {
		return nil, domain.E(domain.CodeNotAuthorized, "unknown or inactive user")
	}
	return user, nil
}

// ResolveAPIKey resolves an opaque API key to its user.
func (s *Service) ResolveAPIKey(ctx context.Context, key string) (*domain.User, error) {
	if key == "" {
		return nil, domain.E(domain.CodeNotAuthorized, "invalid api key")
	}
	user, err := s.store.GetByAPIKey(ctx, key)
	if err != nil || user == nil || !user.IsActive {
		return nil, domain.E(domain.CodeNotAuthorized, "invalid api key")
	}
	return user, nil
}

// RegenerateAPIKey atomically replaces the user's API key and returns
// the new value. The old key stops resolving immediately.
func (s *Service) RegenerateAPIKey(ctx context.Context, user *domain.User) (string, error) {
	key, err := newAPIKey()
	if err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	if err := s.store.UpdateAPIKey(ctx, user.ID, key); err != nil {
		return "", fmt.Errorf("storing api key: %w", err)
	}
	s.logger.Info("api key regenerated", slog.String("user_id", user.ID.String()))
	return key, nil
}

// newAPIKey returns a 64-hex-char key (32 bytes of entropy) with a
// recognizable prefix.
func newAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sbx-" + hex.EncodeToString(b), nil
}
