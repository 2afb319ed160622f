package server

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/Tyrowin/nexus-realtime/internal/config"
)

// newRateLimiter builds the per-connection flood guard: a token bucket that
// holds Burst frames and refills Burst frames per RefillInterval.
func newRateLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Limit(float64(burst)/interval.Seconds()), burst)
}
