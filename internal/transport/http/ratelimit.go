package http

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// loginLimiter caps login challenges per user within a fixed window. Telegram
// throttles accounts that request QR tokens too often.
type loginLimiter struct {
	limit    int
	counters *xsync.MapOf[int64, int]
	reset    *time.Ticker
}

func newLoginLimiter(limit int, window time.Duration) *loginLimiter {
	if limit <= 0 {
		return &loginLimiter{limit: 0}
	}
	return &loginLimiter{
		limit:    limit,
		counters: xsync.NewMapOf[int64, int](),
		reset:    time.NewTicker(window),
	}
}

func (r *loginLimiter) allow(userID int64) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	n, _ := r.counters.Compute(userID, func(old int, _ bool) (int, bool) {
		return old + 1, false
	})
	return n <= r.limit
}

func (r *loginLimiter) startReset(stop <-chan struct{}) {
	if r == nil || r.reset == nil {
		return
	}
	go func() {
		for {
			select {
			case <-r.reset.C:
				r.counters.Clear()
			case <-stop:
				r.reset.Stop()
				return
			}
		}
	}()
}
