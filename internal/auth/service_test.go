package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vovakirdan/tgrelay/internal/store/sqlite"
)

func testJWTConfig() *JWTConfig {
	return &JWTConfig{
		Secret:   []byte("test-secret-change-me"),
		Issuer:   "test",
		Audience: "test",
		TTL:      24 * time.Hour,
	}
}

func newTestAuthService(t *testing.T) (*Service, *sqlite.SQLiteStore) {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return NewService(st, testJWTConfig()), st
}

func TestIssueToken_RegistersUser(t *testing.T) {
	svc, st := newTestAuthService(t)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 42)
	if err != nil {
		t.Fatalf("expected token, got %v", err)
	}
	if token == "" {
		t.Fatalf("expected non-empty token")
	}

	if _, err := st.GetUser(ctx, 42); err != nil {
		t.Fatalf("expected user to be registered, got %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != 42 || claims.Subject != "42" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestIssueToken_RejectsInvalidUserID(t *testing.T) {
	svc, _ := newTestAuthService(t)

	if _, err := svc.IssueToken(context.Background(), 0); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	cfg := testJWTConfig()

	good, err := GenerateToken(cfg, 7)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	wrongSecret := *cfg
	wrongSecret.Secret = []byte("other-secret")
	wrongAudience := *cfg
	wrongAudience.Audience = "other"
	wrongIssuer := *cfg
	wrongIssuer.Issuer = "other"
	expired := *cfg
	expired.TTL = -time.Minute

	expiredToken, err := GenerateToken(&expired, 7)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	tests := []struct {
		name  string
		cfg   *JWTConfig
		token string
	}{
		{"wrong secret", &wrongSecret, good},
		{"wrong audience", &wrongAudience, good},
		{"wrong issuer", &wrongIssuer, good},
		{"expired", cfg, expiredToken},
		{"garbage", cfg, "not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidateToken(tt.cfg, tt.token); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
