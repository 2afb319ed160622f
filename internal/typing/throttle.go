// Package typing throttles typing notifications per (user, device).
package typing

import (
	"strconv"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// DefaultInterval is the minimum spacing between accepted notifications.
const DefaultInterval = 800 * time.Millisecond

// Throttle accepts at most one notification per key and interval, measured
// from the last accepted call. Suppressed calls do not move the window.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	clock    clock.Clock
	accepted map[string]time.Time
}

// NewThrottle returns a Throttle with the given interval. A nil clock uses
// the wall clock.
func NewThrottle(interval time.Duration, clk clock.Clock) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Throttle{
		interval: interval,
		clock:    clk,
		accepted: make(map[string]time.Time),
	}
}

// Key builds the throttle key of a user's device.
func Key(workspaceID string, userID int64, deviceID string) string {
	return workspaceID + "/" + strconv.FormatInt(userID, 10) + "/" + deviceID
}

// ShouldSend reports whether a notification for key may be forwarded now.
func (t *Throttle) ShouldSend(key string) bool {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.accepted[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.accepted[key] = now
	return true
}

// Prune forgets keys whose last accepted call is older than maxIdle and
// returns how many were removed.
func (t *Throttle) Prune(maxIdle time.Duration) int {
	cutoff := t.clock.Now().Add(-maxIdle)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, last := range t.accepted {
		if last.Before(cutoff) {
			delete(t.accepted, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.accepted)
}
