package core

import "errors"

var (
	// ErrNotAuthorized is returned when a user has no authorized session.
	ErrNotAuthorized = errors.New("session not authorized")
	// ErrNoLoginPending is returned by AwaitLoginOutcome without a login in flight.
	ErrNoLoginPending = errors.New("no login pending")
	// ErrClosed is returned once the authority has been shut down.
	ErrClosed = errors.New("authority closed")
)
