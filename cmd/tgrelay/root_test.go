package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vovakirdan/tgrelay/internal/auth"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestTokenCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := "jwt_secret: cli-secret\ndatabase_path: " + filepath.Join(dir, "tgrelay.db") + "\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--user", "42", "--config", path})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("token failed: %v", err)
	}

	claims, err := auth.ValidateToken(&auth.JWTConfig{
		Secret:   []byte("cli-secret"),
		Issuer:   "tgrelay",
		Audience: "tgrelay-api",
		TTL:      time.Hour,
	}, strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("minted token is invalid: %v", err)
	}
	if claims.UserID != 42 {
		t.Fatalf("expected user 42, got %d", claims.UserID)
	}
}

func TestTokenCommandRequiresUser(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token"})

	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected missing --user to fail")
	}
}
