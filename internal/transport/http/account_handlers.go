package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tgrelay/internal/service/account"
)

// AccountHandlers provides HTTP handlers for login, logout and status.
type AccountHandlers struct {
	accounts *account.Service
	limiter  *loginLimiter
	log      *zerolog.Logger
}

// NewAccountHandlers creates a new account handlers instance.
func NewAccountHandlers(accounts *account.Service, limiter *loginLimiter, logger *zerolog.Logger) *AccountHandlers {
	return &AccountHandlers{
		accounts: accounts,
		limiter:  limiter,
		log:      logger,
	}
}

// PasswordRequest represents the account password body.
type PasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

func (h *AccountHandlers) fail(c *gin.Context, uid int64, err error, msg string) {
	status, text := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int64("user_id", uid).Msg(msg)
	} else {
		h.log.Debug().Err(err).Int64("user_id", uid).Msg(msg)
	}
	c.JSON(status, ErrorResponse{Error: text})
}

// Status reports the session and relay state.
// GET /api/status
func (h *AccountHandlers) Status(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	st, err := h.accounts.Status(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, uid, err, "failed to read status")
		return
	}
	c.JSON(http.StatusOK, StatusResponse{
		UserID:      st.UserID,
		Authorized:  st.Authorized,
		RelayActive: st.RelayActive,
	})
}

// BeginLogin issues a QR login challenge.
// POST /api/login
func (h *AccountHandlers) BeginLogin(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}
	if !h.limiter.allow(uid) {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many login attempts"})
		return
	}

	challenge, err := h.accounts.BeginLogin(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, uid, err, "failed to begin login")
		return
	}
	h.log.Info().Int64("user_id", uid).Msg("login challenge issued")
	c.JSON(http.StatusOK, challengeToResponse(challenge))
}

// AwaitLogin blocks until the pending login resolves.
// POST /api/login/wait
func (h *AccountHandlers) AwaitLogin(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	res, err := h.accounts.AwaitLogin(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, uid, err, "failed to await login")
		return
	}
	c.JSON(http.StatusOK, LoginOutcomeResponse{
		Status: res.Outcome.String(),
		Relay:  res.Relay.String(),
		Reason: res.Reason,
	})
}

// SubmitPassword completes a login that needs the account password.
// POST /api/login/password
func (h *AccountHandlers) SubmitPassword(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	var req PasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid password request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	state, err := h.accounts.SubmitPassword(c.Request.Context(), uid, req.Password)
	if err != nil {
		h.fail(c, uid, err, "password login failed")
		return
	}
	c.JSON(http.StatusOK, RelayResponse{Relay: state.String()})
}

// Logout stops the relay and destroys the session.
// POST /api/logout
func (h *AccountHandlers) Logout(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	if err := h.accounts.Logout(c.Request.Context(), uid); err != nil {
		h.fail(c, uid, err, "failed to log out")
		return
	}
	h.log.Info().Int64("user_id", uid).Msg("logged out")
	c.Status(http.StatusNoContent)
}
