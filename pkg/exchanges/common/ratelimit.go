package common

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// WeightTracker follows the request-weight budget an exchange reports
// back in response headers. It never blocks; callers ask ShouldDelay
// before issuing non-essential requests.
type WeightTracker struct {
	mu        sync.RWMutex
	used      int
	budget    int
	window    time.Duration
	lastReset time.Time
}

// NewWeightTracker creates a tracker for a weight budget per window,
// e.g. 2400/min for Binance futures or 600/5s for Bybit.
func NewWeightTracker(budget int, window time.Duration) *WeightTracker {
	return &WeightTracker{
		budget:    budget,
		window:    window,
		lastReset: time.Now(),
	}
}

// Observe records the used-weight value from a response header.
func (wt *WeightTracker) Observe(headerValue string) {
	if headerValue == "" {
		return
	}
	used, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	wt.mu.Lock()
	defer wt.mu.Unlock()

	if time.Since(wt.lastReset) >= wt.window {
		wt.lastReset = time.Now()
	}
	wt.used = used

	pct := float64(used) / float64(wt.budget) * 100
	if pct >= 90 {
		log.Printf("⚠️ exchange weight critical: %d/%d (%.1f%%)", used, wt.budget, pct)
	}
}

// Usage returns the weight consumed in the current window.
func (wt *WeightTracker) Usage() (used, budget int, pct float64) {
	wt.mu.RLock()
	defer wt.mu.RUnlock()
	if time.Since(wt.lastReset) >= wt.window {
		return 0, wt.budget, 0
	}
	return wt.used, wt.budget, float64(wt.used) / float64(wt.budget) * 100
}

// ShouldDelay reports whether callers should back off before the
// next discretionary request.
func (wt *WeightTracker) ShouldDelay() bool {
	_, _, pct := wt.Usage()
	return pct >= 85
}
