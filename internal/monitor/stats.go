package monitor

import (
	"sync/atomic"
	"time"
)

// Stats counts monitoring activity for the status endpoint.
type Stats struct {
	started      time.Time
	cycles       atomic.Uint64
	polls        atomic.Uint64
	pollFailures atomic.Uint64
}

// NewStats starts the uptime clock.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// Snapshot is a point-in-time view for JSON serialization.
type Snapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Cycles        uint64  `json:"cycles"`
	Polls         uint64  `json:"polls"`
	PollFailures  uint64  `json:"poll_failures"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds: time.Since(s.started).Seconds(),
		Cycles:        s.cycles.Load(),
		Polls:         s.polls.Load(),
		PollFailures:  s.pollFailures.Load(),
	}
}
