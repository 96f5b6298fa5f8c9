package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/tgrelay/internal/auth"
	"github.com/vovakirdan/tgrelay/internal/config"
	"github.com/vovakirdan/tgrelay/internal/core"
	"github.com/vovakirdan/tgrelay/internal/platform"
	"github.com/vovakirdan/tgrelay/internal/platform/telegram"
	"github.com/vovakirdan/tgrelay/internal/service/account"
	"github.com/vovakirdan/tgrelay/internal/service/preferences"
	"github.com/vovakirdan/tgrelay/internal/store"
	"github.com/vovakirdan/tgrelay/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/tgrelay/internal/transport/http"
)

// App wires together storage, the relay core and the HTTP transport.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	resumeOnStart   bool
	authority       *core.Authority
	engine          *core.Engine
	store           store.Store
	log             *zerolog.Logger
}

// JWTConfig derives the API token settings from cfg.
func JWTConfig(cfg *config.Config) *auth.JWTConfig {
	return &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.TokenTTL,
	}
}

// New constructs the application backed by Telegram.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	provider, err := telegram.NewProvider(cfg.APIID, cfg.APIHash, cfg.SessionDir, logger)
	if err != nil {
		return nil, fmt.Errorf("init telegram: %w", err)
	}
	return NewWithProvider(cfg, provider, logger)
}

// NewWithProvider constructs the application on any platform provider.
func NewWithProvider(cfg *config.Config, provider platform.Provider, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	authority := core.NewAuthority(provider, core.AuthorityConfig{
		LoginTimeout: cfg.LoginTimeout,
	}, logger)
	engine := core.NewEngine(st, authority, core.EngineConfig{
		StopTimeout: cfg.StopTimeout,
	}, logger)

	accounts := account.New(authority, engine, st, account.Config{
		RetryAttempts: cfg.LoginRetryAttempts,
		RetryDelay:    cfg.LoginRetryDelay,
	}, logger)
	prefs := preferences.New(st, authority, engine, logger)
	authService := auth.NewService(st, JWTConfig(cfg))

	server := transporthttp.NewServer(accounts, prefs, authService, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		resumeOnStart:   cfg.ResumeOnStart,
		authority:       authority,
		engine:          engine,
		store:           st,
		log:             logger,
	}, nil
}

// Handler exposes the HTTP handler, mostly for tests.
func (a *App) Handler() stdhttp.Handler {
	return a.server.Handler
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	if a.resumeOnStart {
		go func() {
			if err := a.engine.Resume(ctx); err != nil {
				a.log.Warn().Err(err).Msg("some relay loops did not resume")
			}
		}()
	}

	select {
	case err := <-serverErr:
		return errors.Join(err, a.Shutdown())
	case <-ctx.Done():
		a.log.Info().Msg("shutting down http server")
		err := a.Shutdown()
		if srvErr := <-serverErr; srvErr != nil {
			err = errors.Join(err, srvErr)
		}
		return err
	}
}

// Shutdown stops the server, every relay loop and every session, then closes
// the store.
func (a *App) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	if err := a.engine.StopAll(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop relays: %w", err))
	}
	if err := a.authority.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	a.cleanup()
	return errors.Join(errs...)
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
