package http

import (
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tgrelay/internal/auth"
	"github.com/vovakirdan/tgrelay/internal/config"
	"github.com/vovakirdan/tgrelay/internal/service/account"
	"github.com/vovakirdan/tgrelay/internal/service/preferences"
)

const loginRateWindow = time.Minute

// NewServer builds the HTTP server exposing the control API and the login websocket.
func NewServer(accounts *account.Service, prefs *preferences.Service, authService *auth.Service, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	l := logger.With().Str("component", "http").Logger()
	logger = &l

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)

	limiter := newLoginLimiter(cfg.LoginRateLimit, loginRateWindow)
	accountHandlers := NewAccountHandlers(accounts, limiter, logger)
	prefsHandlers := NewPreferencesHandlers(prefs, logger)
	wsHandler := NewWSLoginHandler(accounts, authService, limiter, logger)

	requireAuth := AuthMiddleware(authService, logger)

	api := router.Group("/api", requireAuth)
	{
		api.GET("/status", accountHandlers.Status)
		api.POST("/login", accountHandlers.BeginLogin)
		api.POST("/login/wait", accountHandlers.AwaitLogin)
		api.POST("/login/password", accountHandlers.SubmitPassword)
		api.POST("/logout", accountHandlers.Logout)

		api.GET("/config", prefsHandlers.GetConfig)
		api.POST("/sources", prefsHandlers.AddSource)
		api.DELETE("/sources", prefsHandlers.RemoveSource)
		api.PUT("/target", prefsHandlers.SetTarget)
		api.PUT("/filter-mode", prefsHandlers.SetFilterMode)
		api.POST("/filter-mode/toggle", prefsHandlers.ToggleFilterMode)
		api.POST("/filtered-users", prefsHandlers.AddFilteredUser)
		api.DELETE("/filtered-users/:id", prefsHandlers.RemoveFilteredUser)
		api.POST("/relay/refresh", prefsHandlers.RefreshRelay)
	}

	// gin's writer refuses the hijack after the upgrade response, so the
	// websocket lives on the plain mux with gin behind it.
	mux := stdhttp.NewServeMux()
	mux.Handle("GET /ws/login", wsHandler)
	mux.Handle("/", router)

	srv := &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	stop := make(chan struct{})
	limiter.startReset(stop)
	srv.RegisterOnShutdown(func() { close(stop) })

	return srv
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
