package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// FilterMode selects the content filter applied before forwarding.
type FilterMode string

const (
	// FilterModeAll forwards every message that passes the sender allow-list.
	FilterModeAll FilterMode = "all"
	// FilterModeToken forwards only messages that reference a token.
	FilterModeToken FilterMode = "token"
)

// Valid reports whether m is a known filter mode.
func (m FilterMode) Valid() bool {
	return m == FilterModeAll || m == FilterModeToken
}

// Toggle returns the other filter mode.
func (m FilterMode) Toggle() FilterMode {
	if m == FilterModeAll {
		return FilterModeToken
	}
	return FilterModeAll
}

// User is an end user identified by their platform user id.
type User struct {
	ID         int64
	FilterMode FilterMode
	CreatedAt  time.Time
}

// Source is a monitored conversation. A nil TopicID means the whole chat.
type Source struct {
	ChatID  int64
	TopicID *int64
	Title   string
}

// Target is the conversation matched messages are forwarded to.
type Target struct {
	ChatID  int64
	TopicID *int64
}

// FilteredUser is an allow-listed sender.
type FilteredUser struct {
	UserID      int64
	DisplayName string
}

// UserStore handles user persistence.
type UserStore interface {
	// EnsureUser creates the user row if it does not exist yet.
	EnsureUser(ctx context.Context, userID int64) error

	// GetUser retrieves a user by platform id.
	GetUser(ctx context.Context, userID int64) (*User, error)

	// ListUserIDs lists every known user.
	ListUserIDs(ctx context.Context) ([]int64, error)

	// GetFilterMode returns the user's filter mode, FilterModeAll if unknown.
	GetFilterMode(ctx context.Context, userID int64) (FilterMode, error)

	// SetFilterMode updates the user's filter mode.
	SetFilterMode(ctx context.Context, userID int64, mode FilterMode) error
}

// SourceStore handles source persistence.
type SourceStore interface {
	// AddSource inserts a source or refreshes the title of an existing one.
	AddSource(ctx context.Context, userID int64, src Source) error

	// RemoveSource deletes the source matching chat and topic.
	RemoveSource(ctx context.Context, userID, chatID int64, topicID *int64) error

	// ListSources lists the user's sources.
	ListSources(ctx context.Context, userID int64) ([]Source, error)
}

// TargetStore handles target persistence.
type TargetStore interface {
	// SetTarget replaces the user's target.
	SetTarget(ctx context.Context, userID int64, target Target) error

	// GetTarget returns the user's target or nil when none is set.
	GetTarget(ctx context.Context, userID int64) (*Target, error)
}

// FilterStore handles the sender allow-list.
type FilterStore interface {
	// AddFilteredUser inserts an allow-listed sender or refreshes its name.
	AddFilteredUser(ctx context.Context, userID int64, fu FilteredUser) error

	// RemoveFilteredUser removes a sender from the allow-list.
	RemoveFilteredUser(ctx context.Context, userID, senderID int64) error

	// ListFilteredUsers lists the user's allow-list.
	ListFilteredUsers(ctx context.Context, userID int64) ([]FilteredUser, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	SourceStore
	TargetStore
	FilterStore

	// Close closes the underlying database connection.
	Close() error
}
