// Package platform describes the messaging-platform client the relay is built on.
//
// The core never talks to a concrete protocol implementation directly; it
// consumes Client through this package so the Telegram adapter and the
// in-memory fake used by tests are interchangeable.
package platform

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var (
	// ErrPasswordRequired is returned by WaitForChallengeResolution when the
	// scanned account has a second-factor password set.
	ErrPasswordRequired = errors.New("second factor password required")
	// ErrInvalidPassword is returned by SubmitSecondFactor on a password mismatch.
	ErrInvalidPassword = errors.New("invalid second factor password")
	// ErrChallengeExpired is returned when a login challenge was not scanned in time.
	ErrChallengeExpired = errors.New("login challenge expired")
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("client not connected")
)

// ChatRef addresses a conversation, optionally narrowed to a forum topic.
type ChatRef struct {
	ChatID  int64
	TopicID *int64
}

// String renders the ref in the chat_id[:topic_id] form users type in.
func (r ChatRef) String() string {
	s := strconv.FormatInt(r.ChatID, 10)
	if r.TopicID != nil {
		s += ":" + strconv.FormatInt(*r.TopicID, 10)
	}
	return s
}

// Matches reports whether a message posted in chatID/topicID falls under r.
// A ref without a topic matches every topic of the chat.
func (r ChatRef) Matches(chatID int64, topicID *int64) bool {
	if r.ChatID != chatID {
		return false
	}
	if r.TopicID == nil {
		return true
	}
	return topicID != nil && *topicID == *r.TopicID
}

// Message is an inbound message delivered to a subscription handler.
type Message struct {
	ID       int
	ChatID   int64
	TopicID  *int64
	SenderID *int64
	Text     string
	Date     time.Time

	// Origin carries the adapter-specific handle Forward needs to relay the
	// original message. Handlers must pass it through untouched.
	Origin any
}

// Entity is the resolved metadata of a chat or user.
type Entity struct {
	ID    int64
	Title string
}

// Challenge is an issued login challenge.
type Challenge struct {
	URL     string
	Expires time.Time
}

// Handler processes one inbound message on a subscription.
type Handler func(ctx context.Context, msg *Message)

// Client is an authenticated or unauthenticated handle to one remote account.
type Client interface {
	// Connect opens the connection. Calling it on a connected client is a no-op.
	Connect(ctx context.Context) error
	// Disconnect closes the connection and drops every subscription.
	Disconnect(ctx context.Context) error
	IsConnected() bool

	IssueLoginChallenge(ctx context.Context) (Challenge, error)
	// WaitForChallengeResolution blocks until the challenge is accepted (nil),
	// a second factor is required (ErrPasswordRequired) or the wait fails.
	WaitForChallengeResolution(ctx context.Context, ch Challenge) error
	SubmitSecondFactor(ctx context.Context, password string) error
	IsAuthorized(ctx context.Context) (bool, error)

	ResolveEntity(ctx context.Context, chatID int64) (Entity, error)

	// Subscribe registers h for new messages in chat. Subscriptions live until
	// the next Disconnect.
	Subscribe(chat ChatRef, h Handler)
	// Receive blocks while the connection delivers updates. It returns nil when
	// ctx is canceled and an error when the connection ends on its own.
	Receive(ctx context.Context) error
	Forward(ctx context.Context, msg *Message, to ChatRef) error
}

// Provider creates clients bound to a user's durable session store.
type Provider interface {
	NewClient(userID int64) (Client, error)
	// DeleteSession destroys the user's durable session store.
	DeleteSession(userID int64) error
}
