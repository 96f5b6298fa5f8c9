package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vovakirdan/tgrelay/internal/core"
	"github.com/vovakirdan/tgrelay/internal/platform/fake"
	"github.com/vovakirdan/tgrelay/internal/store"
	"github.com/vovakirdan/tgrelay/internal/store/sqlite"
)

type fixture struct {
	provider *fake.Provider
	store    *sqlite.SQLiteStore
	engine   *core.Engine
	svc      *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	provider := fake.NewProvider()
	authority := core.NewAuthority(provider, core.AuthorityConfig{LoginTimeout: 2 * time.Second}, nil)
	engine := core.NewEngine(st, authority, core.EngineConfig{StopTimeout: time.Second}, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.StopAll(ctx)
		_ = authority.Close(ctx)
		_ = st.Close()
	})

	return &fixture{
		provider: provider,
		store:    st,
		engine:   engine,
		svc:      New(authority, engine, st, cfg, nil),
	}
}

func TestLoginActivatesRelay(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 1})
	ctx := context.Background()

	if err := f.store.EnsureUser(ctx, 1); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	if err := f.store.AddSource(ctx, 1, store.Source{ChatID: -100555}); err != nil {
		t.Fatalf("AddSource failed: %v", err)
	}
	if err := f.store.SetTarget(ctx, 1, store.Target{ChatID: -100999}); err != nil {
		t.Fatalf("SetTarget failed: %v", err)
	}

	challenge, err := f.svc.BeginLogin(ctx, 1)
	if err != nil {
		t.Fatalf("BeginLogin failed: %v", err)
	}
	if len(challenge.PNG) == 0 {
		t.Fatalf("expected QR image")
	}
	f.provider.Latest(1).Scan(nil)

	res, err := f.svc.AwaitLogin(ctx, 1)
	if err != nil {
		t.Fatalf("AwaitLogin failed: %v", err)
	}
	if res.Outcome != core.LoginAuthorized || res.Relay != core.LoopActive {
		t.Fatalf("expected authorized with active relay, got %+v", res)
	}

	status, err := f.svc.Status(ctx, 1)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Authorized || !status.RelayActive {
		t.Fatalf("unexpected status %+v", status)
	}

	if _, err := f.svc.BeginLogin(ctx, 1); !errors.Is(err, ErrAlreadyAuthorized) {
		t.Fatalf("expected ErrAlreadyAuthorized, got %v", err)
	}
}

func TestBeginLoginRetries(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, RetryDelay: time.Millisecond})
	f.provider.FailChallenges(1, errors.New("timeout"), errors.New("timeout"))

	if _, err := f.svc.BeginLogin(context.Background(), 1); err != nil {
		t.Fatalf("expected third attempt to succeed, got %v", err)
	}
}

func TestBeginLoginGivesUp(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 2, RetryDelay: time.Millisecond})
	f.provider.FailChallenges(1, errors.New("timeout"), errors.New("timeout"), errors.New("timeout"))

	_, err := f.svc.BeginLogin(context.Background(), 1)
	if !errors.Is(err, ErrLoginUnavailable) {
		t.Fatalf("expected ErrLoginUnavailable, got %v", err)
	}
}

func TestBeginLoginBackoffHonoursContext(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, RetryDelay: time.Minute})
	f.provider.FailChallenges(1, errors.New("timeout"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.svc.BeginLogin(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded during backoff, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("backoff ignored ctx, took %s", elapsed)
	}
}

func TestAwaitLoginWithoutBegin(t *testing.T) {
	f := newFixture(t, Config{})

	if _, err := f.svc.AwaitLogin(context.Background(), 1); !errors.Is(err, core.ErrNoLoginPending) {
		t.Fatalf("expected ErrNoLoginPending, got %v", err)
	}
}

func TestAwaitLoginFailedOutcome(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 1})
	ctx := context.Background()

	if _, err := f.svc.BeginLogin(ctx, 1); err != nil {
		t.Fatalf("BeginLogin failed: %v", err)
	}
	f.provider.Latest(1).Scan(errors.New("AUTH_TOKEN_EXPIRED"))

	res, err := f.svc.AwaitLogin(ctx, 1)
	if err != nil {
		t.Fatalf("AwaitLogin failed: %v", err)
	}
	if res.Outcome != core.LoginFailed || res.Reason == "" {
		t.Fatalf("expected failed outcome with reason, got %+v", res)
	}
}

func TestPasswordFlow(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 1})
	ctx := context.Background()
	f.provider.SetPassword(1, "hunter2")

	if _, err := f.svc.BeginLogin(ctx, 1); err != nil {
		t.Fatalf("BeginLogin failed: %v", err)
	}
	f.provider.Latest(1).Scan(nil)

	res, err := f.svc.AwaitLogin(ctx, 1)
	if err != nil || res.Outcome != core.LoginPasswordRequired {
		t.Fatalf("expected password_required, got %+v, %v", res, err)
	}

	if _, err := f.svc.SubmitPassword(ctx, 1, "nope"); !errors.Is(err, ErrPasswordRejected) {
		t.Fatalf("expected ErrPasswordRejected, got %v", err)
	}
	state, err := f.svc.SubmitPassword(ctx, 1, "hunter2")
	if err != nil {
		t.Fatalf("SubmitPassword failed: %v", err)
	}
	if state != core.LoopIdle {
		t.Fatalf("expected idle relay without config, got %s", state)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 1})
	ctx := context.Background()
	f.provider.SetAuthorized(1, true)

	if err := f.store.EnsureUser(ctx, 1); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	if err := f.store.AddSource(ctx, 1, store.Source{ChatID: -100555}); err != nil {
		t.Fatalf("AddSource failed: %v", err)
	}
	if err := f.store.SetTarget(ctx, 1, store.Target{ChatID: -100999}); err != nil {
		t.Fatalf("SetTarget failed: %v", err)
	}
	if state, err := f.engine.Refresh(ctx, 1); err != nil || state != core.LoopActive {
		t.Fatalf("Refresh = %s, %v", state, err)
	}

	if err := f.svc.Logout(ctx, 1); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if f.engine.Active(1) {
		t.Fatalf("expected relay stopped")
	}
	if deleted := f.provider.Deleted(); len(deleted) != 1 || deleted[0] != 1 {
		t.Fatalf("expected session deleted, got %v", deleted)
	}

	status, err := f.svc.Status(ctx, 1)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Authorized {
		t.Fatalf("expected logged out status")
	}
}
