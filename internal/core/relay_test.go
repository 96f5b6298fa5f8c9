package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/tgrelay/internal/platform"
	"github.com/vovakirdan/tgrelay/internal/platform/fake"
	"github.com/vovakirdan/tgrelay/internal/store"
)

func TestRefreshIncompleteConfigLeavesNoLoop(t *testing.T) {
	tests := []struct {
		name    string
		sources []store.Source
		target  *store.Target
	}{
		{"nothing", nil, nil},
		{"source only", []store.Source{{ChatID: -100555}}, nil},
		{"target only", nil, &store.Target{ChatID: -100999}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			userID := int64(100 + i)
			h.provider.SetAuthorized(userID, true)
			h.configure(t, userID, tt.sources, tt.target)

			state, err := h.engine.Refresh(context.Background(), userID)
			if err != nil {
				t.Fatalf("Refresh failed: %v", err)
			}
			if state != LoopIdle {
				t.Fatalf("expected idle, got %s", state)
			}
			if h.engine.Active(userID) {
				t.Fatalf("expected no loop for incomplete config")
			}
		})
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	client := h.activate(t, 1)
	state, err := h.engine.Refresh(ctx, 1)
	if err != nil || state != LoopActive {
		t.Fatalf("second Refresh = %s, %v", state, err)
	}

	if users := h.engine.ActiveUsers(); len(users) != 1 || users[0] != 1 {
		t.Fatalf("expected exactly one loop for user 1, got %v", users)
	}
	if n := len(h.provider.Clients(1)); n != 1 {
		t.Fatalf("expected one client handle, got %d", n)
	}
	if subs := client.Subscriptions(); len(subs) != 1 {
		t.Fatalf("expected one subscription, got %v", subs)
	}
	if client.Connects() != 2 || client.Disconnects() != 1 {
		t.Fatalf("expected prior connection torn down: connects=%d disconnects=%d",
			client.Connects(), client.Disconnects())
	}
}

func TestConcurrentRefreshKeepsSingleLoop(t *testing.T) {
	h := newHarness(t)
	client := h.activate(t, 1)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Refresh(context.Background(), 1); err != nil {
				t.Errorf("Refresh failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if users := h.engine.ActiveUsers(); len(users) != 1 {
		t.Fatalf("expected one loop, got %v", users)
	}
	if subs := client.Subscriptions(); len(subs) != 1 {
		t.Fatalf("expected one subscription after concurrent refreshes, got %d", len(subs))
	}
}

func TestRefreshUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.configure(t, 1, []store.Source{{ChatID: -100555}}, &store.Target{ChatID: -100999})

	state, err := h.engine.Refresh(context.Background(), 1)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if state != LoopUnauthorized {
		t.Fatalf("expected unauthorized, got %s", state)
	}
	if h.engine.Active(1) {
		t.Fatalf("expected no loop without a session")
	}
}

func TestRefreshConnectFailureIsUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.provider.SetAuthorized(1, true)
	h.provider.SetConnectError(1, errors.New("database is locked"))
	h.configure(t, 1, []store.Source{{ChatID: -100555}}, &store.Target{ChatID: -100999})

	state, err := h.engine.Refresh(context.Background(), 1)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if state != LoopUnauthorized {
		t.Fatalf("expected unauthorized, got %s", state)
	}
}

type failingReader struct {
	ConfigReader
}

func (failingReader) ListSources(context.Context, int64) ([]store.Source, error) {
	return nil, errors.New("disk I/O error")
}

func TestRefreshStoreFailure(t *testing.T) {
	h := newHarness(t)
	engine := NewEngine(failingReader{h.store}, h.authority, EngineConfig{}, nil)

	if _, err := engine.Refresh(context.Background(), 1); err == nil {
		t.Fatalf("expected storage error")
	}
	if engine.Active(1) {
		t.Fatalf("expected no loop after storage error")
	}
}

func TestStopTwiceIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.activate(t, 1)

	if err := h.engine.Stop(ctx, 1); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if err := h.engine.Stop(ctx, 1); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if h.engine.Active(1) {
		t.Fatalf("expected loop removed")
	}
	if client.IsConnected() {
		t.Fatalf("expected client disconnected")
	}
	if subs := client.Subscriptions(); len(subs) != 0 {
		t.Fatalf("expected subscriptions dropped, got %v", subs)
	}
}

func TestStopAll(t *testing.T) {
	h := newHarness(t)
	for _, id := range []int64{1, 2, 3} {
		h.activate(t, id)
	}

	if err := h.engine.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}
	if users := h.engine.ActiveUsers(); len(users) != 0 {
		t.Fatalf("expected no loops, got %v", users)
	}
}

func TestStopForgetsLoopWhenDisconnectFails(t *testing.T) {
	h := newHarness(t)
	client := h.activate(t, 1)
	boom := errors.New("disconnect refused")
	h.provider.SetDisconnectError(1, boom)

	err := h.engine.Stop(context.Background(), 1)
	if !errors.Is(err, boom) {
		t.Fatalf("expected disconnect error, got %v", err)
	}
	if h.engine.Active(1) {
		t.Fatalf("expected loop forgotten despite the teardown error")
	}
	if client.IsConnected() {
		t.Fatalf("expected client torn down")
	}
	if err := h.engine.Stop(context.Background(), 1); err != nil {
		t.Fatalf("expected second Stop to be a no-op, got %v", err)
	}
}

func TestStopAllContinuesPastFailures(t *testing.T) {
	h := newHarness(t)
	clients := map[int64]*fake.Client{}
	for _, id := range []int64{1, 2, 3} {
		clients[id] = h.activate(t, id)
	}
	boom := errors.New("disconnect refused")
	h.provider.SetDisconnectError(2, boom)

	err := h.engine.StopAll(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected user 2's error, got %v", err)
	}
	if !strings.Contains(err.Error(), "user 2") {
		t.Fatalf("expected error to name user 2, got %v", err)
	}
	if users := h.engine.ActiveUsers(); len(users) != 0 {
		t.Fatalf("expected no loops, got %v", users)
	}
	for id, c := range clients {
		if c.IsConnected() {
			t.Fatalf("expected user %d disconnected", id)
		}
	}
}

func TestStopAllDoesNotWaitOnBusyUser(t *testing.T) {
	h := newHarness(t)
	h.activate(t, 1)
	h.activate(t, 2)

	unlock, err := h.engine.locks.Lock(context.Background(), 1)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = h.engine.StopAll(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected busy user reported, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("StopAll took %s", elapsed)
	}
	if h.engine.Active(2) {
		t.Fatalf("expected the free user's loop stopped")
	}
	if !h.engine.Active(1) {
		t.Fatalf("expected the busy user's loop left in place")
	}

	unlock()
	if err := h.engine.Stop(context.Background(), 1); err != nil {
		t.Fatalf("Stop after release failed: %v", err)
	}
}

func TestRelayForwardsMatchingMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.activate(t, 1)

	msg := &platform.Message{ID: 10, ChatID: -100555, SenderID: int64Ptr(42), Text: "hello"}
	if n := client.Deliver(ctx, msg); n != 1 {
		t.Fatalf("expected one handler, got %d", n)
	}
	if n := client.Deliver(ctx, &platform.Message{ID: 11, ChatID: -100777, Text: "elsewhere"}); n != 0 {
		t.Fatalf("expected no handler for unsubscribed chat, got %d", n)
	}

	forwards := client.Forwards()
	if len(forwards) != 1 {
		t.Fatalf("expected one forward, got %d", len(forwards))
	}
	if forwards[0].Message != msg {
		t.Fatalf("expected the original message to be forwarded")
	}
	if forwards[0].To.ChatID != -100999 || forwards[0].To.TopicID != nil {
		t.Fatalf("unexpected forward target: %s", forwards[0].To)
	}
}

func TestRelayTopicScoping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.SetAuthorized(1, true)
	h.configure(t, 1,
		[]store.Source{{ChatID: -100555, TopicID: int64Ptr(7)}},
		&store.Target{ChatID: -100999, TopicID: int64Ptr(3)},
	)
	if state, err := h.engine.Refresh(ctx, 1); err != nil || state != LoopActive {
		t.Fatalf("Refresh = %s, %v", state, err)
	}
	client := h.provider.Latest(1)

	client.Deliver(ctx, &platform.Message{ID: 1, ChatID: -100555, TopicID: int64Ptr(8), Text: "other topic"})
	client.Deliver(ctx, &platform.Message{ID: 2, ChatID: -100555, Text: "general"})
	client.Deliver(ctx, &platform.Message{ID: 3, ChatID: -100555, TopicID: int64Ptr(7), Text: "in topic"})

	forwards := client.Forwards()
	if len(forwards) != 1 || forwards[0].Message.ID != 3 {
		t.Fatalf("expected only the topic message forwarded, got %+v", forwards)
	}
	if forwards[0].To.TopicID == nil || *forwards[0].To.TopicID != 3 {
		t.Fatalf("expected forward into topic 3, got %s", forwards[0].To)
	}
}

func TestRefreshPicksUpNewFilterMode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.activate(t, 1)

	if err := h.store.SetFilterMode(ctx, 1, store.FilterModeToken); err != nil {
		t.Fatalf("SetFilterMode failed: %v", err)
	}

	// The running loop keeps the mode it captured at start.
	client.Deliver(ctx, &platform.Message{ID: 1, ChatID: -100555, Text: "hello"})
	if n := len(client.Forwards()); n != 1 {
		t.Fatalf("expected forward before refresh, got %d", n)
	}

	if _, err := h.engine.Refresh(ctx, 1); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	client.Deliver(ctx, &platform.Message{ID: 2, ChatID: -100555, Text: "hello again"})
	if n := len(client.Forwards()); n != 1 {
		t.Fatalf("expected non-token message dropped after refresh, got %d forwards", n)
	}
	client.Deliver(ctx, &platform.Message{ID: 3, ChatID: -100555, Text: "buy $ABC now"})
	if n := len(client.Forwards()); n != 2 {
		t.Fatalf("expected token message forwarded, got %d forwards", n)
	}
}

func TestRelayAllowList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.store.EnsureUser(ctx, 1); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	if err := h.store.AddFilteredUser(ctx, 1, store.FilteredUser{UserID: 111, DisplayName: "alice"}); err != nil {
		t.Fatalf("AddFilteredUser failed: %v", err)
	}
	client := h.activate(t, 1)

	client.Deliver(ctx, &platform.Message{ID: 1, ChatID: -100555, SenderID: int64Ptr(111), Text: "hi"})
	client.Deliver(ctx, &platform.Message{ID: 2, ChatID: -100555, SenderID: int64Ptr(222), Text: "$ABC"})
	client.Deliver(ctx, &platform.Message{ID: 3, ChatID: -100555, Text: "$ABC"})

	forwards := client.Forwards()
	if len(forwards) != 1 || forwards[0].Message.ID != 1 {
		t.Fatalf("expected only sender 111 forwarded, got %+v", forwards)
	}
}

func TestForwardFailureKeepsLoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.activate(t, 1)
	h.provider.SetForwardError(1, errors.New("FLOOD_WAIT"))

	client.Deliver(ctx, &platform.Message{ID: 1, ChatID: -100555, Text: "one"})
	client.Deliver(ctx, &platform.Message{ID: 2, ChatID: -100555, Text: "two"})

	if n := len(client.Forwards()); n != 2 {
		t.Fatalf("expected both forwards attempted, got %d", n)
	}
	if !h.engine.Active(1) {
		t.Fatalf("expected loop to survive forward failures")
	}
}

func TestLoopEndingRemovesEntry(t *testing.T) {
	h := newHarness(t)
	client := h.activate(t, 1)

	// Drop the connection underneath the loop.
	if err := client.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	waitFor(t, func() bool { return !h.engine.Active(1) }, "dead loop removal")

	state, err := h.engine.Refresh(context.Background(), 1)
	if err != nil || state != LoopActive {
		t.Fatalf("expected loop to restart, got %s, %v", state, err)
	}
}

func TestResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		h.provider.SetAuthorized(id, true)
		h.configure(t, id, []store.Source{{ChatID: -100555}}, &store.Target{ChatID: -100999})
	}
	// Configured but never logged in.
	h.configure(t, 3, []store.Source{{ChatID: -100555}}, &store.Target{ChatID: -100999})
	// Logged in but incomplete.
	h.provider.SetAuthorized(4, true)
	h.configure(t, 4, nil, nil)

	if err := h.engine.Resume(ctx); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	users := h.engine.ActiveUsers()
	if len(users) != 2 || users[0] != 1 || users[1] != 2 {
		t.Fatalf("expected users 1 and 2 active, got %v", users)
	}
}
