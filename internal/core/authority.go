package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"github.com/vovakirdan/tgrelay/internal/platform"
)

// LoginOutcome is the result of a QR login attempt.
type LoginOutcome int

const (
	LoginFailed LoginOutcome = iota
	LoginAuthorized
	LoginPasswordRequired
)

func (o LoginOutcome) String() string {
	switch o {
	case LoginAuthorized:
		return "authorized"
	case LoginPasswordRequired:
		return "password_required"
	default:
		return "failed"
	}
}

// LoginChallenge is an issued QR challenge with its rendered image.
type LoginChallenge struct {
	URL     string
	Expires time.Time
	PNG     []byte
}

// AuthorityConfig tunes the session authority.
type AuthorityConfig struct {
	// LoginTimeout bounds how long a challenge is waited on in the background.
	LoginTimeout time.Duration
	// QRSize is the rendered QR image edge in pixels.
	QRSize int
}

// DefaultAuthorityConfig returns sane defaults.
func DefaultAuthorityConfig() AuthorityConfig {
	return AuthorityConfig{
		LoginTimeout: 2 * time.Minute,
		QRSize:       256,
	}
}

type loginAttempt struct {
	client platform.Client
	cancel context.CancelFunc
	done   chan struct{}

	// set before done is closed
	outcome LoginOutcome
	err     error
}

// Authority owns every user's platform client handle and drives QR login.
// At most one handle exists per user; all access to it is serialised by a
// per-user mutex.
type Authority struct {
	provider platform.Provider
	cfg      AuthorityConfig
	log      *zerolog.Logger

	locks   *keyedMutex
	handles *xsync.MapOf[int64, platform.Client]

	mu       sync.Mutex
	attempts map[int64]*loginAttempt

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewAuthority creates an authority creating clients through provider.
func NewAuthority(provider platform.Provider, cfg AuthorityConfig, logger *zerolog.Logger) *Authority {
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultAuthorityConfig().LoginTimeout
	}
	if cfg.QRSize <= 0 {
		cfg.QRSize = DefaultAuthorityConfig().QRSize
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "authority").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Authority{
		provider: provider,
		cfg:      cfg,
		log:      &l,
		locks:    newKeyedMutex(),
		handles:  xsync.NewMapOf[int64, platform.Client](),
		attempts: make(map[int64]*loginAttempt),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// handle returns the cached client for userID, creating it on first use.
// Caller must hold the user's lock.
func (a *Authority) handle(userID int64) (platform.Client, error) {
	if c, ok := a.handles.Load(userID); ok {
		return c, nil
	}
	c, err := a.provider.NewClient(userID)
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	a.handles.Store(userID, c)
	return c, nil
}

// userOp bounds an operation on a user's handle by both the caller's ctx and
// the authority's lifetime, so Close interrupts a stuck connect.
func (a *Authority) userOp(ctx context.Context, userID int64) (context.Context, func(), error) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(a.ctx, cancel)
	unlock, err := a.locks.Lock(opCtx, userID)
	if err != nil {
		stop()
		cancel()
		return nil, nil, err
	}
	return opCtx, func() {
		unlock()
		stop()
		cancel()
	}, nil
}

func ensureConnected(ctx context.Context, c platform.Client) error {
	if c.IsConnected() {
		return nil
	}
	return c.Connect(ctx)
}

// BeginLogin issues a fresh QR challenge for userID and starts waiting for it
// in the background. Any previous attempt for the user is cancelled.
func (a *Authority) BeginLogin(ctx context.Context, userID int64) (platform.Client, *LoginChallenge, error) {
	if a.closed.Load() {
		return nil, nil, ErrClosed
	}
	ctx, done, err := a.userOp(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	defer done()

	a.dropAttempt(userID)

	c, err := a.handle(userID)
	if err != nil {
		return nil, nil, err
	}
	if err := ensureConnected(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	ch, err := c.IssueLoginChallenge(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("issue challenge: %w", err)
	}
	png, err := qrcode.Encode(ch.URL, qrcode.Medium, a.cfg.QRSize)
	if err != nil {
		return nil, nil, fmt.Errorf("render qr: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(a.ctx, a.cfg.LoginTimeout)
	att := &loginAttempt{
		client: c,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	a.mu.Lock()
	a.attempts[userID] = att
	a.mu.Unlock()

	a.wg.Add(1)
	go a.waitLogin(attemptCtx, userID, att, ch)

	a.log.Info().Int64("user_id", userID).Time("expires", ch.Expires).Msg("login challenge issued")
	return c, &LoginChallenge{URL: ch.URL, Expires: ch.Expires, PNG: png}, nil
}

func (a *Authority) waitLogin(ctx context.Context, userID int64, att *loginAttempt, ch platform.Challenge) {
	defer a.wg.Done()
	defer att.cancel()

	err := att.client.WaitForChallengeResolution(ctx, ch)
	switch {
	case err == nil:
		att.outcome = LoginAuthorized
	case errors.Is(err, platform.ErrPasswordRequired):
		att.outcome = LoginPasswordRequired
	default:
		att.outcome = LoginFailed
		att.err = err
	}
	a.log.Info().Int64("user_id", userID).Str("outcome", att.outcome.String()).Err(err).Msg("login challenge resolved")
	close(att.done)
}

// dropAttempt cancels and forgets the user's pending attempt.
func (a *Authority) dropAttempt(userID int64) {
	a.mu.Lock()
	att, ok := a.attempts[userID]
	delete(a.attempts, userID)
	a.mu.Unlock()
	if ok {
		att.cancel()
	}
}

// AwaitLoginOutcome blocks until the pending login for userID resolves. The
// attempt is consumed: a second call returns ErrNoLoginPending. If ctx ends
// first the attempt stays pending.
func (a *Authority) AwaitLoginOutcome(ctx context.Context, userID int64) (LoginOutcome, error) {
	a.mu.Lock()
	att, ok := a.attempts[userID]
	a.mu.Unlock()
	if !ok {
		return LoginFailed, ErrNoLoginPending
	}

	select {
	case <-att.done:
	case <-ctx.Done():
		return LoginFailed, ctx.Err()
	}

	a.mu.Lock()
	current := a.attempts[userID] == att
	if current {
		delete(a.attempts, userID)
	}
	a.mu.Unlock()
	if !current {
		return LoginFailed, ErrNoLoginPending
	}

	if att.outcome == LoginFailed {
		return LoginFailed, fmt.Errorf("login: %w", att.err)
	}
	return att.outcome, nil
}

// CompleteSecondFactor submits the account password on the user's handle.
// On failure it reports false and keeps the handle for another try.
func (a *Authority) CompleteSecondFactor(ctx context.Context, userID int64, password string) (bool, platform.Client) {
	logger := a.log.With().Int64("user_id", userID).Logger()

	ctx, done, err := a.userOp(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Msg("second factor: session busy")
		return false, nil
	}
	defer done()

	c, err := a.handle(userID)
	if err != nil {
		logger.Warn().Err(err).Msg("second factor: no client")
		return false, nil
	}
	if err := ensureConnected(ctx, c); err != nil {
		logger.Warn().Err(err).Msg("second factor: connect failed")
		return false, nil
	}
	if err := c.SubmitSecondFactor(ctx, password); err != nil {
		if errors.Is(err, platform.ErrInvalidPassword) {
			logger.Info().Msg("second factor rejected")
		} else {
			logger.Warn().Err(err).Msg("second factor failed")
		}
		return false, nil
	}
	logger.Info().Msg("second factor accepted")
	return true, c
}

// IsAuthorized reports whether the user's durable session is logged in. Any
// failure to open or query the session counts as not authorized.
func (a *Authority) IsAuthorized(ctx context.Context, userID int64) bool {
	if a.closed.Load() {
		return false
	}
	ctx, done, err := a.userOp(ctx, userID)
	if err != nil {
		a.log.Debug().Err(err).Int64("user_id", userID).Msg("authorization check: session busy")
		return false
	}
	defer done()

	c, err := a.handle(userID)
	if err != nil {
		a.log.Debug().Err(err).Int64("user_id", userID).Msg("authorization check: no client")
		return false
	}
	if err := ensureConnected(ctx, c); err != nil {
		a.log.Debug().Err(err).Int64("user_id", userID).Msg("authorization check: connect failed")
		return false
	}
	ok, err := c.IsAuthorized(ctx)
	if err != nil {
		a.log.Debug().Err(err).Int64("user_id", userID).Msg("authorization check failed")
		return false
	}
	return ok
}

// Client returns the user's connected, authorized client.
func (a *Authority) Client(ctx context.Context, userID int64) (platform.Client, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	ctx, done, err := a.userOp(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer done()

	c, err := a.handle(userID)
	if err != nil {
		return nil, err
	}
	if err := ensureConnected(ctx, c); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ok, err := c.IsAuthorized(ctx)
	if err != nil {
		return nil, fmt.Errorf("check authorization: %w", err)
	}
	if !ok {
		return nil, ErrNotAuthorized
	}
	return c, nil
}

// Logout drops the user's handle and destroys the durable session.
func (a *Authority) Logout(ctx context.Context, userID int64) error {
	unlock, err := a.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	a.dropAttempt(userID)

	var errs []error
	if c, ok := a.handles.LoadAndDelete(userID); ok {
		if err := c.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
	}
	if err := a.provider.DeleteSession(userID); err != nil {
		errs = append(errs, fmt.Errorf("delete session: %w", err))
	}
	a.log.Info().Int64("user_id", userID).Msg("logged out")
	return errors.Join(errs...)
}

// Close cancels pending logins and in-flight handle operations, then
// disconnects every handle. A handle whose lock is not released before ctx
// ends is skipped and reported.
func (a *Authority) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.cancel()

	var errs []error
	waited := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for logins: %w", ctx.Err()))
	}

	a.handles.Range(func(userID int64, c platform.Client) bool {
		unlock, err := a.locks.Lock(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("disconnect user %d: %w", userID, err))
			return true
		}
		defer unlock()
		if err := c.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect user %d: %w", userID, err))
		}
		return true
	})
	return errors.Join(errs...)
}
