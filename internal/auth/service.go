package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/tgrelay/internal/store"
)

// ErrInvalidUserID is returned when a token is requested for a non-positive id.
var ErrInvalidUserID = errors.New("invalid user id")

// Service issues and validates API tokens.
type Service struct {
	store     store.UserStore
	jwtConfig *JWTConfig
}

// NewService creates a new authentication service.
func NewService(userStore store.UserStore, jwtConfig *JWTConfig) *Service {
	return &Service{
		store:     userStore,
		jwtConfig: jwtConfig,
	}
}

// IssueToken registers the user if needed and returns a signed token for it.
func (s *Service) IssueToken(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", ErrInvalidUserID
	}
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return "", fmt.Errorf("ensure user: %w", err)
	}

	token, err := GenerateToken(s.jwtConfig, userID)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}
