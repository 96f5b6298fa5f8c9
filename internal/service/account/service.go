package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/tgrelay/internal/core"
	"github.com/vovakirdan/tgrelay/internal/platform"
)

// Common errors for account operations.
var (
	ErrAlreadyAuthorized = errors.New("already logged in")
	ErrLoginUnavailable  = errors.New("login is temporarily unavailable, try again")
	ErrPasswordRejected  = errors.New("password rejected")
)

// Authority is the session side of the account flows.
type Authority interface {
	BeginLogin(ctx context.Context, userID int64) (platform.Client, *core.LoginChallenge, error)
	AwaitLoginOutcome(ctx context.Context, userID int64) (core.LoginOutcome, error)
	CompleteSecondFactor(ctx context.Context, userID int64, password string) (bool, platform.Client)
	IsAuthorized(ctx context.Context, userID int64) bool
	Logout(ctx context.Context, userID int64) error
}

// Relay is the relay side of the account flows.
type Relay interface {
	Refresh(ctx context.Context, userID int64) (core.LoopState, error)
	Stop(ctx context.Context, userID int64) error
	Active(userID int64) bool
}

// Users registers users on first contact.
type Users interface {
	EnsureUser(ctx context.Context, userID int64) error
}

// Config bounds login retries.
type Config struct {
	RetryAttempts int
	RetryDelay    time.Duration
}

// Service drives login, logout and status for a user.
type Service struct {
	authority Authority
	relay     Relay
	users     Users
	cfg       Config
	log       *zerolog.Logger
}

// New creates an account service.
func New(authority Authority, relay Relay, users Users, cfg Config, logger *zerolog.Logger) *Service {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "account").Logger()
	return &Service{
		authority: authority,
		relay:     relay,
		users:     users,
		cfg:       cfg,
		log:       &l,
	}
}

// Status is the user's session and relay state.
type Status struct {
	UserID      int64
	Authorized  bool
	RelayActive bool
}

// Status reports whether the user is logged in and relaying.
func (s *Service) Status(ctx context.Context, userID int64) (*Status, error) {
	if err := s.users.EnsureUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return &Status{
		UserID:      userID,
		Authorized:  s.authority.IsAuthorized(ctx, userID),
		RelayActive: s.relay.Active(userID),
	}, nil
}

// BeginLogin issues a QR challenge, retrying transient failures with linear
// backoff.
func (s *Service) BeginLogin(ctx context.Context, userID int64) (*core.LoginChallenge, error) {
	if err := s.users.EnsureUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	if s.authority.IsAuthorized(ctx, userID) {
		return nil, ErrAlreadyAuthorized
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		_, challenge, err := s.authority.BeginLogin(ctx, userID)
		if err == nil {
			return challenge, nil
		}
		if errors.Is(err, core.ErrClosed) {
			return nil, err
		}
		lastErr = err
		s.log.Warn().Err(err).Int64("user_id", userID).Int("attempt", attempt).Msg("login challenge failed")

		if attempt == s.cfg.RetryAttempts {
			break
		}
		if err := sleep(ctx, s.cfg.RetryDelay*time.Duration(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrLoginUnavailable, lastErr)
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoginResult is the resolution of a pending login.
type LoginResult struct {
	Outcome core.LoginOutcome
	Relay   core.LoopState
	// Reason explains a failed outcome.
	Reason string
}

// AwaitLogin waits for the pending login and starts relaying once authorized.
func (s *Service) AwaitLogin(ctx context.Context, userID int64) (*LoginResult, error) {
	outcome, err := s.authority.AwaitLoginOutcome(ctx, userID)
	if errors.Is(err, core.ErrNoLoginPending) {
		return nil, err
	}
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &LoginResult{Outcome: outcome, Relay: core.LoopIdle}
	switch outcome {
	case core.LoginAuthorized:
		state, err := s.relay.Refresh(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("refresh relay: %w", err)
		}
		res.Relay = state
	case core.LoginFailed:
		if err != nil {
			res.Reason = err.Error()
		}
	}
	s.log.Info().Int64("user_id", userID).Str("outcome", outcome.String()).Msg("login resolved")
	return res, nil
}

// SubmitPassword completes a login that needs the account password.
func (s *Service) SubmitPassword(ctx context.Context, userID int64, password string) (core.LoopState, error) {
	if ok, _ := s.authority.CompleteSecondFactor(ctx, userID, password); !ok {
		return core.LoopIdle, ErrPasswordRejected
	}
	state, err := s.relay.Refresh(ctx, userID)
	if err != nil {
		return core.LoopIdle, fmt.Errorf("refresh relay: %w", err)
	}
	return state, nil
}

// Logout stops relaying and destroys the user's session.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	var errs []error
	if err := s.relay.Stop(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("stop relay: %w", err))
	}
	if err := s.authority.Logout(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("logout: %w", err))
	}
	return errors.Join(errs...)
}
