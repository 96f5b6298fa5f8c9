package http

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/vovakirdan/tgrelay/internal/core"
	"github.com/vovakirdan/tgrelay/internal/platform"
	"github.com/vovakirdan/tgrelay/internal/proto"
	"github.com/vovakirdan/tgrelay/internal/service/account"
	"github.com/vovakirdan/tgrelay/internal/service/preferences"
	"github.com/vovakirdan/tgrelay/internal/store"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse represents the account status.
type StatusResponse struct {
	UserID      int64 `json:"user_id"`
	Authorized  bool  `json:"authorized"`
	RelayActive bool  `json:"relay_active"`
}

// LoginChallengeResponse carries a QR login challenge.
type LoginChallengeResponse struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
	QRPNG     string `json:"qr_png"`
}

// LoginOutcomeResponse reports how a login resolved.
type LoginOutcomeResponse struct {
	Status string `json:"status"`
	Relay  string `json:"relay"`
	Reason string `json:"reason,omitempty"`
}

// RelayResponse reports the relay state after a change.
type RelayResponse struct {
	Relay string `json:"relay"`
}

// SourceResponse represents a monitored chat.
type SourceResponse struct {
	Chat    string `json:"chat"`
	ChatID  int64  `json:"chat_id"`
	TopicID *int64 `json:"topic_id,omitempty"`
	Title   string `json:"title"`
	Relay   string `json:"relay,omitempty"`
}

// TargetResponse represents the forwarding target.
type TargetResponse struct {
	Chat    string `json:"chat"`
	ChatID  int64  `json:"chat_id"`
	TopicID *int64 `json:"topic_id,omitempty"`
	Relay   string `json:"relay,omitempty"`
}

// FilteredUserResponse represents an allow-listed sender.
type FilteredUserResponse struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	Relay       string `json:"relay,omitempty"`
}

// FilterModeResponse reports the content filter.
type FilterModeResponse struct {
	Mode  string `json:"mode"`
	Relay string `json:"relay"`
}

// ConfigResponse summarises a user's relay configuration.
type ConfigResponse struct {
	Sources       []SourceResponse       `json:"sources"`
	Target        *TargetResponse        `json:"target"`
	FilterMode    string                 `json:"filter_mode"`
	FilteredUsers []FilteredUserResponse `json:"filtered_users"`
	RelayActive   bool                   `json:"relay_active"`
}

func sourceToResponse(src store.Source) SourceResponse {
	return SourceResponse{
		Chat:    platform.ChatRef{ChatID: src.ChatID, TopicID: src.TopicID}.String(),
		ChatID:  src.ChatID,
		TopicID: src.TopicID,
		Title:   src.Title,
	}
}

func targetToResponse(t *store.Target) *TargetResponse {
	if t == nil {
		return nil
	}
	return &TargetResponse{
		Chat:    platform.ChatRef{ChatID: t.ChatID, TopicID: t.TopicID}.String(),
		ChatID:  t.ChatID,
		TopicID: t.TopicID,
	}
}

func viewToResponse(v *preferences.View) ConfigResponse {
	resp := ConfigResponse{
		Sources:       make([]SourceResponse, 0, len(v.Sources)),
		Target:        targetToResponse(v.Target),
		FilterMode:    string(v.FilterMode),
		FilteredUsers: make([]FilteredUserResponse, 0, len(v.FilteredUsers)),
		RelayActive:   v.RelayActive,
	}
	for _, src := range v.Sources {
		resp.Sources = append(resp.Sources, sourceToResponse(src))
	}
	for _, fu := range v.FilteredUsers {
		resp.FilteredUsers = append(resp.FilteredUsers, FilteredUserResponse{
			UserID:      fu.UserID,
			DisplayName: fu.DisplayName,
		})
	}
	return resp
}

func challengeToResponse(ch *core.LoginChallenge) LoginChallengeResponse {
	return LoginChallengeResponse{
		URL:       ch.URL,
		ExpiresAt: ch.Expires.Unix(),
		QRPNG:     base64.StdEncoding.EncodeToString(ch.PNG),
	}
}

func challengeToQRData(ch *core.LoginChallenge) proto.QRData {
	return proto.QRData{
		URL:       ch.URL,
		ExpiresAt: ch.Expires.Unix(),
		PNG:       base64.StdEncoding.EncodeToString(ch.PNG),
	}
}

func resultToOutcomeData(res *account.LoginResult) proto.OutcomeData {
	return proto.OutcomeData{
		Status: res.Outcome.String(),
		Relay:  res.Relay.String(),
		Reason: res.Reason,
	}
}

// errorStatus maps service errors to an HTTP status and a client-safe message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, preferences.ErrInvalidChatRef),
		errors.Is(err, preferences.ErrInvalidFilterMode):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, preferences.ErrLoginRequired):
		return http.StatusConflict, "login required"
	case errors.Is(err, preferences.ErrChatInaccessible):
		return http.StatusUnprocessableEntity, "cannot access chat"
	case errors.Is(err, preferences.ErrSourceNotFound):
		return http.StatusNotFound, "source not found"
	case errors.Is(err, preferences.ErrFilteredUserNotFound):
		return http.StatusNotFound, "filtered user not found"
	case errors.Is(err, core.ErrNoLoginPending):
		return http.StatusNotFound, "no login pending"
	case errors.Is(err, account.ErrAlreadyAuthorized):
		return http.StatusConflict, "already logged in"
	case errors.Is(err, account.ErrPasswordRejected):
		return http.StatusUnauthorized, "password rejected"
	case errors.Is(err, account.ErrLoginUnavailable):
		return http.StatusServiceUnavailable, "login is temporarily unavailable, try again"
	case errors.Is(err, core.ErrClosed):
		return http.StatusServiceUnavailable, "shutting down"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// errorCode maps service errors to a websocket error frame code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, account.ErrAlreadyAuthorized):
		return proto.ErrCodeAlreadyLoggedIn
	case errors.Is(err, account.ErrLoginUnavailable), errors.Is(err, core.ErrClosed):
		return proto.ErrCodeLoginUnavailable
	case errors.Is(err, core.ErrNoLoginPending):
		return proto.ErrCodeNoLoginPending
	default:
		return proto.ErrCodeInternal
	}
}
