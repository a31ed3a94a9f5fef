// Package position owns the position lifecycle: it is the single
// writer of position status and enforces the per-user concurrency cap.
package position

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"signal-core/internal/events"
	"signal-core/pkg/db"
)

// MaxConcurrent is the per-user ceiling on positions in pending/open.
const MaxConcurrent = 2

// Manager serializes position writes per user. Cross-user traffic
// runs fully in parallel; same-user open/close paths take the user's
// lock so the count-then-insert step cannot race.
type Manager struct {
	queries *db.UserQueries
	bus     *events.Bus

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager over the position store.
func NewManager(queries *db.UserQueries, bus *events.Bus) *Manager {
	return &Manager{
		queries: queries,
		bus:     bus,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// Open persists a new pending position, enforcing the concurrency cap
// transactionally. Returns db.ErrPositionCap when the user is full.
func (m *Manager) Open(ctx context.Context, p db.Position) error {
	if p.UserID == "" {
		return db.ErrUserIDRequired
	}
	l := m.userLock(p.UserID)
	l.Lock()
	defer l.Unlock()

	if err := m.queries.CreatePositionCapped(ctx, p, MaxConcurrent); err != nil {
		return err
	}

	m.bus.Publish(events.EventPositionOpened, events.PositionChange{
		UserID:     p.UserID,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Price:      p.EntryPrice,
		Size:       p.Quantity,
		At:         time.Now(),
	})
	return nil
}

// ConfirmOpen transitions the user's pending positions for a symbol
// and side to open, once the monitor sees them live on the exchange.
func (m *Manager) ConfirmOpen(ctx context.Context, userID, symbol, side string) (int, error) {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return m.queries.ConfirmOpen(ctx, userID, symbol, side)
}

// CloseSide closes every one of the user's pending or open positions
// with the given side, in one batch. A pending position closed here
// never confirmed on-exchange; that is a valid, logged transition.
// Returns the number of positions closed; zero means nothing matched.
func (m *Manager) CloseSide(ctx context.Context, userID, side string, exitPrice float64, reason string) (int, error) {
	if userID == "" {
		return 0, db.ErrUserIDRequired
	}
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	open, err := m.queries.ListPositionsBySide(ctx, userID, side, db.PositionOpen)
	if err != nil {
		return 0, fmt.Errorf("list open positions: %w", err)
	}
	pending, err := m.queries.ListPositionsBySide(ctx, userID, side, db.PositionPending)
	if err != nil {
		return 0, fmt.Errorf("list pending positions: %w", err)
	}

	targets := make([]string, 0, len(open)+len(pending))
	for _, p := range open {
		targets = append(targets, p.ID)
	}
	for _, p := range pending {
		log.Printf("closing unconfirmed position %s (%s %s) for user %s", p.ID, p.Symbol, p.Side, userID)
		targets = append(targets, p.ID)
	}
	if len(targets) == 0 {
		return 0, nil
	}

	now := time.Now()
	closed, err := m.queries.ClosePositions(ctx, userID, targets, exitPrice, reason, now)
	if err != nil {
		return 0, fmt.Errorf("close positions: %w", err)
	}

	for _, p := range append(open, pending...) {
		m.bus.Publish(events.EventPositionClosed, events.PositionChange{
			UserID:     userID,
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Side:       p.Side,
			Price:      exitPrice,
			Size:       p.Quantity,
			Reason:     reason,
			At:         now,
		})
	}
	return closed, nil
}

// ActiveCount returns the user's count of pending/open positions.
func (m *Manager) ActiveCount(ctx context.Context, userID string) (int, error) {
	return m.queries.CountActivePositions(ctx, userID)
}

// History returns the user's most recent positions, newest first.
func (m *Manager) History(ctx context.Context, userID string, limit int) ([]db.Position, error) {
	return m.queries.ListPositionsByUser(ctx, userID, limit)
}
