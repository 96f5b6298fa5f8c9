package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vovakirdan/tgrelay/internal/platform"
	"github.com/vovakirdan/tgrelay/internal/store"
	"github.com/vovakirdan/tgrelay/internal/utils"
)

// LoopState is what Refresh left behind for a user.
type LoopState int

const (
	// LoopIdle means the configuration is incomplete and nothing runs.
	LoopIdle LoopState = iota
	// LoopUnauthorized means the configuration is complete but no authorized session exists.
	LoopUnauthorized
	// LoopActive means a relay loop is running.
	LoopActive
)

func (s LoopState) String() string {
	switch s {
	case LoopUnauthorized:
		return "unauthorized"
	case LoopActive:
		return "active"
	default:
		return "idle"
	}
}

// ConfigReader is the slice of the store the engine reads relay configuration from.
type ConfigReader interface {
	ListUserIDs(ctx context.Context) ([]int64, error)
	ListSources(ctx context.Context, userID int64) ([]store.Source, error)
	GetTarget(ctx context.Context, userID int64) (*store.Target, error)
	GetFilterMode(ctx context.Context, userID int64) (store.FilterMode, error)
	ListFilteredUsers(ctx context.Context, userID int64) ([]store.FilteredUser, error)
}

// ClientSource hands out connected, authorized clients. Authority implements it.
type ClientSource interface {
	Client(ctx context.Context, userID int64) (platform.Client, error)
}

// EngineConfig tunes the relay engine.
type EngineConfig struct {
	// StopTimeout bounds disconnect and goroutine exit when a loop is stopped.
	StopTimeout time.Duration
}

type relayLoop struct {
	// id tells successive loops of one user apart in logs.
	id      string
	userID  int64
	client  platform.Client
	sources []platform.ChatRef
	target  platform.ChatRef
	cancel  context.CancelFunc
	done    chan struct{}
}

// Engine runs at most one relay loop per user.
type Engine struct {
	store   ConfigReader
	clients ClientSource
	cfg     EngineConfig
	log     *zerolog.Logger

	locks *keyedMutex

	mu    sync.Mutex
	loops map[int64]*relayLoop
}

// NewEngine creates a relay engine.
func NewEngine(st ConfigReader, clients ClientSource, cfg EngineConfig, logger *zerolog.Logger) *Engine {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "relay").Logger()
	return &Engine{
		store:   st,
		clients: clients,
		cfg:     cfg,
		log:     &l,
		locks:   newKeyedMutex(),
		loops:   make(map[int64]*relayLoop),
	}
}

// Refresh rebuilds the user's relay loop from stored configuration. Any
// existing loop is stopped first. It is safe to call any number of times.
func (e *Engine) Refresh(ctx context.Context, userID int64) (LoopState, error) {
	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return LoopIdle, err
	}
	defer unlock()

	logger := e.log.With().Int64("user_id", userID).Logger()

	if err := e.stopLocked(ctx, userID); err != nil {
		logger.Warn().Err(err).Msg("previous relay loop did not stop cleanly")
	}

	sources, err := e.store.ListSources(ctx, userID)
	if err != nil {
		return LoopIdle, fmt.Errorf("list sources: %w", err)
	}
	target, err := e.store.GetTarget(ctx, userID)
	if err != nil {
		return LoopIdle, fmt.Errorf("get target: %w", err)
	}
	if len(sources) == 0 || target == nil {
		logger.Debug().Int("sources", len(sources)).Bool("target", target != nil).Msg("relay config incomplete")
		return LoopIdle, nil
	}

	client, err := e.clients.Client(ctx, userID)
	if err != nil {
		logger.Info().Err(err).Msg("relay not started: session unavailable")
		return LoopUnauthorized, nil
	}

	mode, err := e.store.GetFilterMode(ctx, userID)
	if err != nil {
		return LoopIdle, fmt.Errorf("get filter mode: %w", err)
	}
	allowList, err := e.store.ListFilteredUsers(ctx, userID)
	if err != nil {
		return LoopIdle, fmt.Errorf("list filtered users: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loop := &relayLoop{
		id:     utils.NewID(),
		userID: userID,
		client: client,
		target: platform.ChatRef{ChatID: target.ChatID, TopicID: target.TopicID},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	handler := e.relayHandler(loop, newRelayFilter(mode, allowList))
	for _, src := range sources {
		ref := platform.ChatRef{ChatID: src.ChatID, TopicID: src.TopicID}
		loop.sources = append(loop.sources, ref)
		client.Subscribe(ref, handler)
	}

	e.mu.Lock()
	e.loops[userID] = loop
	e.mu.Unlock()

	go e.run(loopCtx, loop)

	logger.Info().
		Str("loop_id", loop.id).
		Int("sources", len(loop.sources)).
		Str("target", loop.target.String()).
		Str("mode", string(mode)).
		Int("allow_list", len(allowList)).
		Msg("relay loop started")
	return LoopActive, nil
}

func (e *Engine) relayHandler(loop *relayLoop, filter relayFilter) platform.Handler {
	return func(ctx context.Context, msg *platform.Message) {
		logger := e.log.With().
			Int64("user_id", loop.userID).
			Str("loop_id", loop.id).
			Int64("chat_id", msg.ChatID).
			Int("message_id", msg.ID).
			Logger()

		if ok, reason := filter.Allow(msg); !ok {
			logger.Debug().Str("reason", reason).Msg("message dropped")
			return
		}
		if err := loop.client.Forward(ctx, msg, loop.target); err != nil {
			logger.Warn().Err(err).Str("target", loop.target.String()).Msg("forward failed")
			return
		}
		logger.Debug().Str("target", loop.target.String()).Msg("message forwarded")
	}
}

func (e *Engine) run(ctx context.Context, loop *relayLoop) {
	defer close(loop.done)

	err := loop.client.Receive(ctx)
	if ctx.Err() != nil {
		return
	}

	// The connection ended on its own. Disconnect before dropping the entry so
	// a concurrent Refresh waiting on done reconnects a clean client.
	e.log.Warn().Err(err).Int64("user_id", loop.userID).Str("loop_id", loop.id).Msg("relay loop ended unexpectedly")
	stopCtx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout)
	defer cancel()
	if err := loop.client.Disconnect(stopCtx); err != nil {
		e.log.Debug().Err(err).Int64("user_id", loop.userID).Msg("disconnect after loop end")
	}

	e.mu.Lock()
	if e.loops[loop.userID] == loop {
		delete(e.loops, loop.userID)
	}
	e.mu.Unlock()
}

// Stop tears down the user's relay loop, if any. The loop is forgotten even
// when teardown reports an error.
func (e *Engine) Stop(ctx context.Context, userID int64) error {
	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	return e.stopLocked(ctx, userID)
}

func (e *Engine) stopLocked(ctx context.Context, userID int64) error {
	e.mu.Lock()
	loop, ok := e.loops[userID]
	delete(e.loops, userID)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	loop.cancel()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StopTimeout)
	defer cancel()

	err := loop.client.Disconnect(stopCtx)
	if err != nil {
		err = fmt.Errorf("disconnect: %w", err)
	}
	select {
	case <-loop.done:
	case <-stopCtx.Done():
		err = errors.Join(err, fmt.Errorf("relay loop exit: %w", stopCtx.Err()))
	}
	e.log.Info().Int64("user_id", userID).Str("loop_id", loop.id).Msg("relay loop stopped")
	return err
}

// StopAll stops every loop concurrently, continuing past failures. A user
// whose lock is not released before ctx ends is reported, not waited on.
func (e *Engine) StopAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, userID := range e.ActiveUsers() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Stop(ctx, userID); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("user %d: %w", userID, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Active reports whether a relay loop runs for userID.
func (e *Engine) Active(userID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loops[userID]
	return ok
}

// ActiveUsers lists users with a running relay loop in ascending order.
func (e *Engine) ActiveUsers() []int64 {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.loops))
	for id := range e.loops {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Resume refreshes every stored user, typically once at startup.
func (e *Engine) Resume(ctx context.Context) error {
	ids, err := e.store.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	var (
		errs   []error
		active int
	)
	for _, userID := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		state, err := e.Refresh(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", userID, err))
			continue
		}
		if state == LoopActive {
			active++
		}
	}
	e.log.Info().Int("users", len(ids)).Int("active", active).Msg("relay loops resumed")
	return errors.Join(errs...)
}
