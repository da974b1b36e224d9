// Package service implements signup, login and session token rotation.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/auth/models"
	"github.com/nexushq/nexus/internal/auth/store"
	"github.com/nexushq/nexus/internal/common/config"
	"github.com/nexushq/nexus/internal/common/logger"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

var (
	// ErrInvalidCredentials covers unknown emails and wrong passwords
	// without distinguishing them.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRateLimited means too many failed logins from one address.
	ErrRateLimited = errors.New("too many login attempts")
)

// Service owns accounts and session tokens.
type Service struct {
	store   *store.Store
	tokens  *TokenIssuer
	limiter *LoginLimiter
	logger  *logger.Logger
}

// New wires the auth service from config.
func New(st *store.Store, cfg config.AuthConfig, log *logger.Logger) (*Service, error) {
	issuer, err := NewTokenIssuer(cfg)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:   st,
		tokens:  issuer,
		limiter: NewLoginLimiter(time.Duration(cfg.LoginWindow)*time.Second, cfg.LoginMaxTries),
		logger:  log.WithFields(zap.String("component", "auth-service")),
	}, nil
}

// Tokens exposes the issuer for middleware and the stream gateway.
func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

// Signup creates an account and issues its first session.
func (s *Service) Signup(ctx context.Context, email, password string) (*models.User, v1.Tokens, error) {
	email = NormalizeEmail(email)
	if err := ValidatePassword(password); err != nil {
		return nil, v1.Tokens{}, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, v1.Tokens{}, err
	}

	user := &models.User{Email: email, PasswordHash: hash}
	if err := s.store.Create(ctx, user); err != nil {
		return nil, v1.Tokens{}, err
	}

	tokens, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, v1.Tokens{}, err
	}

	s.logger.Info("User signed up", zap.String("user_id", user.ID))
	return user, tokens, nil
}

// Login verifies credentials and issues a session. The addr feeds the
// failed-attempt limiter.
func (s *Service) Login(ctx context.Context, email, password, addr string) (*models.User, v1.Tokens, error) {
	if !s.limiter.Allow(addr) {
		return nil, v1.Tokens{}, ErrRateLimited
	}

	email = NormalizeEmail(email)
	user, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			s.limiter.RecordFailure(addr)
			return nil, v1.Tokens{}, ErrInvalidCredentials
		}
		return nil, v1.Tokens{}, err
	}

	if !CheckPassword(user.PasswordHash, password) {
		s.limiter.RecordFailure(addr)
		return nil, v1.Tokens{}, ErrInvalidCredentials
	}
	s.limiter.RecordSuccess(addr)

	tokens, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, v1.Tokens{}, err
	}
	return user, tokens, nil
}

// Refresh rotates a refresh token into a new session pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (v1.Tokens, error) {
	return s.tokens.Rotate(refreshToken)
}

// GetUser loads an account by id.
func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.store.GetByID(ctx, id)
}

// VerifyAccess validates a bearer token and returns the user id.
func (s *Service) VerifyAccess(token string) (string, error) {
	return s.tokens.VerifyAccess(token)
}

// NormalizeEmail lowercases and trims an address so the unique index treats
// spellings consistently.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
