package core

import (
	"context"
	"testing"
	"time"

	"github.com/vovakirdan/tgrelay/internal/platform/fake"
	"github.com/vovakirdan/tgrelay/internal/store"
	"github.com/vovakirdan/tgrelay/internal/store/sqlite"
)

func int64Ptr(v int64) *int64 { return &v }

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	provider  *fake.Provider
	store     *sqlite.SQLiteStore
	authority *Authority
	engine    *Engine
}

func newHarness(t testing.TB) *harness {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	provider := fake.NewProvider()
	authority := NewAuthority(provider, AuthorityConfig{LoginTimeout: 2 * time.Second}, nil)
	engine := NewEngine(st, authority, EngineConfig{StopTimeout: time.Second}, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.StopAll(ctx)
		_ = authority.Close(ctx)
		_ = st.Close()
	})

	return &harness{
		provider:  provider,
		store:     st,
		authority: authority,
		engine:    engine,
	}
}

// configure stores a complete relay configuration for userID.
func (h *harness) configure(t testing.TB, userID int64, sources []store.Source, target *store.Target) {
	t.Helper()

	ctx := context.Background()
	if err := h.store.EnsureUser(ctx, userID); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	for _, src := range sources {
		if err := h.store.AddSource(ctx, userID, src); err != nil {
			t.Fatalf("AddSource failed: %v", err)
		}
	}
	if target != nil {
		if err := h.store.SetTarget(ctx, userID, *target); err != nil {
			t.Fatalf("SetTarget failed: %v", err)
		}
	}
}

// activate configures one source and target for an authorized user and
// refreshes its loop.
func (h *harness) activate(t testing.TB, userID int64) *fake.Client {
	t.Helper()

	h.provider.SetAuthorized(userID, true)
	h.configure(t, userID,
		[]store.Source{{ChatID: -100555, Title: "alpha"}},
		&store.Target{ChatID: -100999},
	)
	state, err := h.engine.Refresh(context.Background(), userID)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if state != LoopActive {
		t.Fatalf("expected active loop, got %s", state)
	}
	return h.provider.Latest(userID)
}
