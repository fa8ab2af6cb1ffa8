package main

import (
	"time"

	"github.com/sentinel-hub/eo-timelapse/internal/cache"
	"github.com/sentinel-hub/eo-timelapse/internal/ratelimit"
)

// Rate Limit Management Functions

// rateLimitWindow is how long after a 429 the service counts as rate limited
const rateLimitWindow = 10 * time.Second

// RateLimitStatus is the pacing state of the tile limiter
type RateLimitStatus struct {
	DelayMs   int64                     `json:"delayMs"`
	Retries   int                       `json:"retries"`
	Pending   int                       `json:"pending"`
	LastEvent *ratelimit.RateLimitEvent `json:"lastEvent,omitempty"`
}

func (a *App) onRateLimit(event ratelimit.RateLimitEvent) {
	a.mu.Lock()
	a.lastRateLimit = &event
	a.mu.Unlock()

	a.logger.Info().
		Int("attempt", event.Attempt).
		Dur("nextDelay", event.NextDelay).
		Msg("Rate limited, request re-queued")
}

// GetRateLimitStatus returns the current pacing delay and retry counters
func (a *App) GetRateLimitStatus() RateLimitStatus {
	a.mu.Lock()
	last := a.lastRateLimit
	a.mu.Unlock()

	return RateLimitStatus{
		DelayMs:   a.limiter.Delay().Milliseconds(),
		Retries:   a.limiter.Retries(),
		Pending:   a.limiter.Pending(),
		LastEvent: last,
	}
}

// IsRateLimited reports whether a 429 was seen recently
func (a *App) IsRateLimited() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRateLimit != nil && time.Since(a.lastRateLimit.Timestamp) < rateLimitWindow
}

// Cache Management Functions

// GetCacheStats returns rendered-image cache statistics
func (a *App) GetCacheStats() cache.Stats {
	return a.imageCache.Stats()
}

// ClearCache removes all cached images
func (a *App) ClearCache() {
	a.imageCache.Clear()
	a.discovery.Reset()
	a.logger.Info().Msg("Caches cleared")
}
