package common

import (
	"context"
	"log"
	"sync"
	"time"
)

// TimeSync keeps a millisecond offset against an exchange clock so
// signed requests stay inside the venue's recv window.
type TimeSync struct {
	mu         sync.RWMutex
	serverTime func(ctx context.Context) (int64, error)
	offset     int64
	lastTry    time.Time
	interval   time.Duration
}

// NewTimeSync wraps a server-time fetcher. The offset is measured
// lazily by Ensure and refreshed every 30 minutes.
func NewTimeSync(serverTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{
		serverTime: serverTime,
		interval:   30 * time.Minute,
	}
}

// Ensure syncs if the offset was never measured or has gone stale.
// A failed sync keeps the previous offset; the local clock is close
// enough until the next attempt.
func (ts *TimeSync) Ensure(ctx context.Context) {
	ts.mu.Lock()
	if time.Since(ts.lastTry) < ts.interval {
		ts.mu.Unlock()
		return
	}
	ts.lastTry = time.Now()
	ts.mu.Unlock()

	if err := ts.Sync(ctx); err != nil {
		log.Printf("time sync failed: %v", err)
	}
}

// Invalidate forces the next Ensure to resync, regardless of age.
// Called after a venue rejects a request for a stale timestamp.
func (ts *TimeSync) Invalidate() {
	ts.mu.Lock()
	ts.lastTry = time.Time{}
	ts.mu.Unlock()
}

// Sync measures the server offset, splitting the round trip evenly.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	server, err := ts.serverTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()

	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offset = server - local
	ts.mu.Unlock()
	return nil
}

// Now returns the current time in exchange milliseconds.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the last measured offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
