package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tgrelay/internal/auth"
	"github.com/vovakirdan/tgrelay/internal/core"
	"github.com/vovakirdan/tgrelay/internal/proto"
	"github.com/vovakirdan/tgrelay/internal/service/account"
)

const inboundBuffer = 4

// WSLoginHandler runs the QR login over a websocket: it pushes the challenge,
// then the outcome, and accepts password frames when one is needed.
type WSLoginHandler struct {
	accounts    *account.Service
	authService *auth.Service
	limiter     *loginLimiter
	log         *zerolog.Logger
}

// NewWSLoginHandler builds a new websocket login handler.
func NewWSLoginHandler(accounts *account.Service, authService *auth.Service, limiter *loginLimiter, logger *zerolog.Logger) *WSLoginHandler {
	return &WSLoginHandler{accounts: accounts, authService: authService, limiter: limiter, log: logger}
}

// ServeHTTP authenticates, upgrades the connection and drives the login.
// GET /ws/login
func (h *WSLoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := requestToken(r)
	if err != nil {
		h.log.Debug().Err(err).Msg("rejecting ws login")
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
		return
	}
	claims, err := h.authService.ValidateToken(token)
	if err != nil {
		h.log.Debug().Err(err).Msg("invalid token")
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid token"})
		return
	}
	uid := claims.UserID
	if !h.limiter.allow(uid) {
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "too many login attempts"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", uid).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	h.log.Info().Int64("user_id", uid).Msg("ws login connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan proto.Inbound, inboundBuffer)
	go h.readLoop(ctx, cancel, conn, frames, uid)

	err = h.serveLogin(ctx, conn, frames, uid)
	if err != nil && ctx.Err() == nil {
		h.log.Warn().Err(err).Int64("user_id", uid).Msg("ws login closed with error")
		conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "done")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readLoop keeps control frames flowing and hands data frames to the login.
// The connection context is cancelled when the peer goes away.
func (h *WSLoginHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, frames chan<- proto.Inbound, uid int64) {
	defer cancel()
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.log.Debug().Err(err).Int64("user_id", uid).Msg("read ws inbound")
			}
			return
		}
		select {
		case frames <- inbound:
		default:
			h.log.Debug().Int64("user_id", uid).Str("type", inbound.Type).Msg("dropping unexpected ws frame")
		}
	}
}

func (h *WSLoginHandler) serveLogin(ctx context.Context, conn *websocket.Conn, frames <-chan proto.Inbound, uid int64) error {
	challenge, err := h.accounts.BeginLogin(ctx, uid)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code := errorCode(err)
		if code == proto.ErrCodeInternal {
			h.log.Error().Err(err).Int64("user_id", uid).Msg("failed to begin login")
		}
		_, msg := errorStatus(err)
		return writeError(ctx, conn, code, msg)
	}
	if err := wsjson.Write(ctx, conn, proto.Outbound{
		Type: proto.OutboundTypeQR,
		Data: challengeToQRData(challenge),
	}); err != nil {
		return err
	}

	res, err := h.accounts.AwaitLogin(ctx, uid)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg := errorStatus(err)
		return writeError(ctx, conn, errorCode(err), msg)
	}
	if err := wsjson.Write(ctx, conn, proto.Outbound{
		Type: proto.OutboundTypeOutcome,
		Data: resultToOutcomeData(res),
	}); err != nil {
		return err
	}
	if res.Outcome != core.LoginPasswordRequired {
		return nil
	}

	for {
		var inbound proto.Inbound
		select {
		case inbound = <-frames:
		case <-ctx.Done():
			return ctx.Err()
		}

		password, perr := passwordFromInbound(inbound)
		if perr != nil {
			if err := wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: perr}); err != nil {
				return err
			}
			continue
		}

		state, err := h.accounts.SubmitPassword(ctx, uid, password)
		if errors.Is(err, account.ErrPasswordRejected) {
			if err := wsjson.Write(ctx, conn, proto.Outbound{
				Type: proto.OutboundTypePassword,
				Data: proto.PasswordResultData{OK: false},
			}); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			if werr := writeError(ctx, conn, proto.ErrCodeInternal, "internal server error"); werr != nil {
				return werr
			}
			return err
		}
		return wsjson.Write(ctx, conn, proto.Outbound{
			Type: proto.OutboundTypePassword,
			Data: proto.PasswordResultData{OK: true, Relay: state.String()},
		})
	}
}

func passwordFromInbound(inbound proto.Inbound) (string, *proto.Error) {
	if inbound.Type != proto.InboundTypePassword {
		return "", &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "expected a password frame"}
	}
	var data proto.PasswordData
	if err := json.Unmarshal(inbound.Data, &data); err != nil || data.Password == "" {
		return "", &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "password is required"}
	}
	return data.Password, nil
}

func writeError(ctx context.Context, conn *websocket.Conn, code, msg string) error {
	return wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: code, Msg: msg},
	})
}
