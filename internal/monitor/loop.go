// Package monitor polls live exchange state for every trading-eligible
// (user, exchange) pair and republishes it for observability.
package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"signal-core/internal/events"
	"signal-core/internal/keys"
	"signal-core/internal/position"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

// Loop is the periodic balance/position poller. One failing pair is
// logged and skipped; it never stops the loop or affects other pairs.
type Loop struct {
	keys      *keys.Manager
	positions *position.Manager
	bus       *events.Bus

	interval    time.Duration
	callTimeout time.Duration
	workerPool  chan struct{}
	limiter     *rate.Limiter
	stats       *Stats

	wg sync.WaitGroup
}

// Options tune the loop; zero values get sane defaults.
type Options struct {
	Interval    time.Duration
	CallTimeout time.Duration
	Workers     int
	CallsPerSec float64
}

// NewLoop builds the monitor over the credential and position managers.
func NewLoop(km *keys.Manager, pm *position.Manager, bus *events.Bus, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.CallsPerSec <= 0 {
		opts.CallsPerSec = 10
	}
	return &Loop{
		keys:        km,
		positions:   pm,
		bus:         bus,
		interval:    opts.Interval,
		callTimeout: opts.CallTimeout,
		workerPool:  make(chan struct{}, opts.Workers),
		limiter:     rate.NewLimiter(rate.Limit(opts.CallsPerSec), opts.Workers),
		stats:       NewStats(),
	}
}

// Stats exposes the loop's counters for the status endpoint.
func (l *Loop) Stats() *Stats {
	return l.stats
}

// Start runs the loop until ctx is cancelled. In-flight polls finish
// or time out; no new cycle starts after cancellation.
func (l *Loop) Start(ctx context.Context) {
	log.Printf("✓ Monitor started (interval: %v, workers: %d)", l.interval, cap(l.workerPool))
	go func() {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Tick(ctx)
			}
		}
	}()
}

// Wait blocks until in-flight polls have drained. Called on shutdown
// after the Start context is cancelled.
func (l *Loop) Wait() {
	l.wg.Wait()
}

// Tick polls every trading-eligible pair once, bounded by the worker
// pool and the shared rate limiter.
func (l *Loop) Tick(ctx context.Context) {
	l.stats.cycles.Add(1)
	traders, err := l.keys.ListActiveTraders(ctx)
	if err != nil {
		log.Printf("❌ monitor: list active traders: %v", err)
		return
	}

	for _, tr := range traders {
		if ctx.Err() != nil {
			return
		}
		if err := l.limiter.Wait(ctx); err != nil {
			return
		}
		l.workerPool <- struct{}{}
		l.wg.Add(1)
		go func(tr db.TraderKey) {
			defer l.wg.Done()
			defer func() { <-l.workerPool }()
			l.poll(ctx, tr)
		}(tr)
	}
}

// flagAuthFailure retires a credential the venue no longer accepts, so
// the pair stops being scheduled until the user stores a new key.
func (l *Loop) flagAuthFailure(ctx context.Context, tr db.TraderKey, err error) {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) || !apiErr.AuthFailure() {
		return
	}
	log.Printf("❌ monitor: credential rejected for %s/%s, marking invalid", tr.UserID, tr.Exchange)
	if merr := l.keys.MarkInvalid(ctx, tr.UserID, tr.Exchange, tr.Environment); merr != nil {
		log.Printf("⚠️ monitor: mark credential invalid: %v", merr)
	}
}

// poll refreshes one (user, exchange) pair.
func (l *Loop) poll(ctx context.Context, tr db.TraderKey) {
	l.stats.polls.Add(1)
	gateway, err := l.keys.GatewayFor(ctx, tr.UserID, tr.Exchange, tr.Environment)
	if err != nil {
		l.stats.pollFailures.Add(1)
		log.Printf("⚠️ monitor: gateway for %s/%s: %v", tr.UserID, tr.Exchange, err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	balance, err := gateway.WalletBalance(callCtx)
	if err != nil {
		l.stats.pollFailures.Add(1)
		log.Printf("⚠️ monitor: balance %s/%s: %v", tr.UserID, tr.Exchange, err)
		l.flagAuthFailure(ctx, tr, err)
		return
	}
	now := time.Now()
	l.bus.Publish(events.EventBalanceSnapshot, events.BalanceSnapshot{
		UserID:    tr.UserID,
		Exchange:  tr.Exchange,
		Asset:     balance.Asset,
		Total:     balance.Total,
		Available: balance.Available,
		At:        now,
	})

	livePositions, err := gateway.OpenPositions(callCtx)
	if err != nil {
		l.stats.pollFailures.Add(1)
		log.Printf("⚠️ monitor: positions %s/%s: %v", tr.UserID, tr.Exchange, err)
		l.flagAuthFailure(ctx, tr, err)
		return
	}

	items := make([]events.SnapshotItem, 0, len(livePositions))
	for _, p := range livePositions {
		items = append(items, events.SnapshotItem{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Size:          p.Size,
			EntryPrice:    p.EntryPrice,
			UnrealizedPnL: p.UnrealizedPnL,
		})
		// A position visible on-exchange confirms our pending record.
		if n, err := l.positions.ConfirmOpen(ctx, tr.UserID, p.Symbol, p.Side); err == nil && n > 0 {
			log.Printf("✅ confirmed %d pending %s %s position(s) for %s", n, p.Symbol, p.Side, tr.UserID)
		}
	}
	l.bus.Publish(events.EventPositionSnapshot, events.PositionSnapshot{
		UserID:   tr.UserID,
		Exchange: tr.Exchange,
		Items:    items,
		At:       now,
	})
}
