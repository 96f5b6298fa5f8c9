package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tgrelay/internal/service/preferences"
	"github.com/vovakirdan/tgrelay/internal/store"
)

// PreferencesHandlers provides HTTP handlers for relay configuration.
type PreferencesHandlers struct {
	prefs *preferences.Service
	log   *zerolog.Logger
}

// NewPreferencesHandlers creates a new preferences handlers instance.
func NewPreferencesHandlers(prefs *preferences.Service, logger *zerolog.Logger) *PreferencesHandlers {
	return &PreferencesHandlers{
		prefs: prefs,
		log:   logger,
	}
}

// ChatRequest names a chat as "chat_id" or "chat_id:topic_id".
type ChatRequest struct {
	Chat string `json:"chat" binding:"required"`
}

// FilterModeRequest selects the content filter.
type FilterModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// FilteredUserRequest allow-lists a sender.
type FilteredUserRequest struct {
	UserID int64 `json:"user_id" binding:"required,gt=0"`
}

func (h *PreferencesHandlers) fail(c *gin.Context, uid int64, err error, msg string) {
	status, text := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int64("user_id", uid).Msg(msg)
	} else {
		h.log.Debug().Err(err).Int64("user_id", uid).Msg(msg)
	}
	c.JSON(status, ErrorResponse{Error: text})
}

// GetConfig returns the user's configuration summary.
// GET /api/config
func (h *PreferencesHandlers) GetConfig(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	view, err := h.prefs.View(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, uid, err, "failed to read config")
		return
	}
	c.JSON(http.StatusOK, viewToResponse(view))
}

// AddSource starts monitoring a chat or topic.
// POST /api/sources
func (h *PreferencesHandlers) AddSource(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid add source request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	src, state, err := h.prefs.AddSource(c.Request.Context(), uid, req.Chat)
	if err != nil {
		h.fail(c, uid, err, "failed to add source")
		return
	}
	resp := sourceToResponse(*src)
	resp.Relay = state.String()
	c.JSON(http.StatusCreated, resp)
}

// RemoveSource stops monitoring a chat or topic.
// DELETE /api/sources?chat=-100123:55
func (h *PreferencesHandlers) RemoveSource(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	chat := c.Query("chat")
	if chat == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "chat is required"})
		return
	}

	state, err := h.prefs.RemoveSource(c.Request.Context(), uid, chat)
	if err != nil {
		h.fail(c, uid, err, "failed to remove source")
		return
	}
	c.JSON(http.StatusOK, RelayResponse{Relay: state.String()})
}

// SetTarget sets the forwarding target.
// PUT /api/target
func (h *PreferencesHandlers) SetTarget(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid set target request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	target, state, err := h.prefs.SetTarget(c.Request.Context(), uid, req.Chat)
	if err != nil {
		h.fail(c, uid, err, "failed to set target")
		return
	}
	resp := targetToResponse(target)
	resp.Relay = state.String()
	c.JSON(http.StatusOK, resp)
}

// SetFilterMode switches the content filter.
// PUT /api/filter-mode
func (h *PreferencesHandlers) SetFilterMode(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	var req FilterModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid filter mode request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	mode := store.FilterMode(req.Mode)
	state, err := h.prefs.SetFilterMode(c.Request.Context(), uid, mode)
	if err != nil {
		h.fail(c, uid, err, "failed to set filter mode")
		return
	}
	c.JSON(http.StatusOK, FilterModeResponse{Mode: string(mode), Relay: state.String()})
}

// ToggleFilterMode flips between all and token.
// POST /api/filter-mode/toggle
func (h *PreferencesHandlers) ToggleFilterMode(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	mode, state, err := h.prefs.ToggleFilterMode(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, uid, err, "failed to toggle filter mode")
		return
	}
	c.JSON(http.StatusOK, FilterModeResponse{Mode: string(mode), Relay: state.String()})
}

// AddFilteredUser allow-lists a sender.
// POST /api/filtered-users
func (h *PreferencesHandlers) AddFilteredUser(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	var req FilteredUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid filtered user request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	fu, state, err := h.prefs.AddFilteredUser(c.Request.Context(), uid, req.UserID)
	if err != nil {
		h.fail(c, uid, err, "failed to add filtered user")
		return
	}
	c.JSON(http.StatusCreated, FilteredUserResponse{
		UserID:      fu.UserID,
		DisplayName: fu.DisplayName,
		Relay:       state.String(),
	})
}

// RemoveFilteredUser drops a sender from the allow-list.
// DELETE /api/filtered-users/:id
func (h *PreferencesHandlers) RemoveFilteredUser(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	senderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || senderID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid user id"})
		return
	}

	state, err := h.prefs.RemoveFilteredUser(c.Request.Context(), uid, senderID)
	if err != nil {
		h.fail(c, uid, err, "failed to remove filtered user")
		return
	}
	c.JSON(http.StatusOK, RelayResponse{Relay: state.String()})
}

// RefreshRelay re-applies the stored configuration.
// POST /api/relay/refresh
func (h *PreferencesHandlers) RefreshRelay(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	state, err := h.prefs.Refresh(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, uid, err, "failed to refresh relay")
		return
	}
	c.JSON(http.StatusOK, RelayResponse{Relay: state.String()})
}
