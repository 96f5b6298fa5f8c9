package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/tgrelay/internal/auth"
	"github.com/vovakirdan/tgrelay/internal/config"
	"github.com/vovakirdan/tgrelay/internal/core"
	"github.com/vovakirdan/tgrelay/internal/platform"
	"github.com/vovakirdan/tgrelay/internal/platform/fake"
	"github.com/vovakirdan/tgrelay/internal/service/account"
	"github.com/vovakirdan/tgrelay/internal/service/preferences"
	"github.com/vovakirdan/tgrelay/internal/store/sqlite"
)

type testEnv struct {
	provider    *fake.Provider
	store       *sqlite.SQLiteStore
	engine      *core.Engine
	authService *auth.Service
	server      *stdhttp.Server
}

// newTestEnv wires the whole API over the fake platform and an in-memory store.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}

	disabledLogger := zerolog.New(nil)

	provider := fake.NewProvider()
	provider.AddEntity(platform.Entity{ID: -100555, Title: "Alpha"})
	provider.AddEntity(platform.Entity{ID: -100999, Title: "Digest"})
	provider.AddEntity(platform.Entity{ID: 111, Title: "Alice"})

	authority := core.NewAuthority(provider, core.AuthorityConfig{LoginTimeout: 2 * time.Second}, &disabledLogger)
	engine := core.NewEngine(st, authority, core.EngineConfig{StopTimeout: time.Second}, &disabledLogger)

	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.ReadHeaderTimeout = time.Second
	cfg.JWTSecret = "test-secret"
	if mutate != nil {
		mutate(&cfg)
	}

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	})
	accounts := account.New(authority, engine, st, account.Config{RetryAttempts: 1}, &disabledLogger)
	prefs := preferences.New(st, authority, engine, &disabledLogger)

	server := NewServer(accounts, prefs, authService, &cfg, &disabledLogger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		_ = engine.StopAll(ctx)
		_ = authority.Close(ctx)
		_ = st.Close()
	})

	return &testEnv{
		provider:    provider,
		store:       st,
		engine:      engine,
		authService: authService,
		server:      server,
	}
}

func (e *testEnv) token(t *testing.T, userID int64) string {
	t.Helper()
	token, err := e.authService.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do sends a request straight to the handler and returns the recorded response.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp := httptest.NewRecorder()
	e.server.Handler.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(resp.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", resp.Body.String(), err)
	}
	return v
}
