package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	InboundTypePassword = "password"

	OutboundTypeQR       = "qr"
	OutboundTypeOutcome  = "outcome"
	OutboundTypePassword = "password_result"
	OutboundTypeError    = "error"
)

// PasswordData carries the account password after a password_required outcome.
type PasswordData struct {
	Password string `json:"password"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// QRData is the login challenge to scan from the Telegram app.
type QRData struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
	// PNG is the base64 encoded QR image.
	PNG string `json:"qr_png"`
}

// OutcomeData reports how a login challenge resolved.
type OutcomeData struct {
	Status string `json:"status"`
	Relay  string `json:"relay,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PasswordResultData reports a password submission.
type PasswordResultData struct {
	OK    bool   `json:"ok"`
	Relay string `json:"relay,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Error codes sent in protocol error frames.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeAlreadyLoggedIn  = "already_logged_in"
	ErrCodeLoginUnavailable = "login_unavailable"
	ErrCodeNoLoginPending   = "no_login_pending"
	ErrCodeInternal         = "internal"
)
