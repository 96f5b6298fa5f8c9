package core

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// keyedMutex hands out one lock per user id. A lock is a one-slot channel so
// acquiring it can give up when ctx ends. Entries are never evicted; the key
// space is the set of registered users.
type keyedMutex struct {
	locks *xsync.MapOf[int64, chan struct{}]
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: xsync.NewMapOf[int64, chan struct{}]()}
}

// Lock acquires the lock for userID and returns its unlock func. It fails
// with ctx's error if the lock is still held when ctx ends.
func (k *keyedMutex) Lock(ctx context.Context, userID int64) (func(), error) {
	slot, _ := k.locks.LoadOrCompute(userID, func() chan struct{} { return make(chan struct{}, 1) })
	unlock := func() { <-slot }

	// A free lock wins over an already expired ctx.
	select {
	case slot <- struct{}{}:
		return unlock, nil
	default:
	}
	select {
	case slot <- struct{}{}:
		return unlock, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("lock user %d: %w", userID, ctx.Err())
	}
}
