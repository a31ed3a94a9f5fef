package signal

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/events"
	"signal-core/internal/position"
	"signal-core/internal/sentiment"
	"signal-core/pkg/db"
)

// Engine turns parsed signals into position openings and closings.
type Engine struct {
	queries   *db.UserQueries
	positions *position.Manager
	sentiment sentiment.Provider
	params    *ParamsStore
	bus       *events.Bus
}

// NewEngine wires the validator over its collaborators.
func NewEngine(queries *db.UserQueries, positions *position.Manager, provider sentiment.Provider, params *ParamsStore, bus *events.Bus) *Engine {
	return &Engine{
		queries:   queries,
		positions: positions,
		sentiment: provider,
		params:    params,
		bus:       bus,
	}
}

// ProcessAll runs one signal for every trading-eligible user. Users
// are processed in parallel; per-user ordering is preserved by the
// position manager's user locks.
func (e *Engine) ProcessAll(ctx context.Context, sig Signal) []Outcome {
	if !sig.Kind.Known() {
		log.Printf("dropping unknown signal kind %q for %s", sig.Kind, sig.Symbol)
		return []Outcome{{Accepted: false, Reason: ReasonUnknownKind}}
	}

	traders, err := e.queries.ListActiveTraders(ctx)
	if err != nil {
		log.Printf("list active traders: %v", err)
		return nil
	}

	// One outcome per distinct user, regardless of exchange count.
	seen := make(map[string]bool)
	userIDs := make([]string, 0, len(traders))
	for _, tr := range traders {
		if !seen[tr.UserID] {
			seen[tr.UserID] = true
			userIDs = append(userIDs, tr.UserID)
		}
	}

	outcomes := make([]Outcome, len(userIDs))
	var wg sync.WaitGroup
	for i, userID := range userIDs {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			outcomes[i] = e.Process(ctx, sig, userID)
		}(i, userID)
	}
	wg.Wait()
	return outcomes
}

// Process runs one signal for one user and returns the verdict.
func (e *Engine) Process(ctx context.Context, sig Signal, userID string) Outcome {
	if !sig.Kind.Known() {
		log.Printf("dropping unknown signal kind %q for %s", sig.Kind, sig.Symbol)
		return e.reject(sig, userID, ReasonUnknownKind, 0)
	}
	if sig.Kind.IsClose() {
		return e.processClose(ctx, sig, userID)
	}
	return e.processOpen(ctx, sig, userID)
}

func (e *Engine) processOpen(ctx context.Context, sig Signal, userID string) Outcome {
	score := e.sentiment.Score(ctx)
	side := sig.Kind.Side()

	if !sentiment.Allows(score, side) {
		return e.reject(sig, userID, ReasonGateBlocked, score)
	}

	user, err := e.queries.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return e.reject(sig, userID, ReasonUserInactive, score)
		}
		log.Printf("load user %s: %v", userID, err)
		return e.reject(sig, userID, "store failure", score)
	}
	if !user.IsActive {
		return e.reject(sig, userID, ReasonUserInactive, score)
	}

	if n, err := e.positions.ActiveCount(ctx, userID); err == nil && n >= position.MaxConcurrent {
		return e.reject(sig, userID, ReasonPositionLimit, score)
	}

	params := e.params.For(userID)
	plan := BuildPlan(userID, user.Balance, sig, params)

	record := db.Position{
		ID:              uuid.NewString(),
		UserID:          userID,
		Symbol:          plan.Symbol,
		Side:            plan.Side,
		EntryPrice:      plan.EntryPrice,
		Quantity:        plan.PositionSize,
		Leverage:        plan.Leverage,
		TakeProfitPrice: plan.TakeProfitPrice,
		StopLossPrice:   plan.StopLossPrice,
		TPPercent:       plan.TPPercent,
		SLPercent:       plan.SLPercent,
		Strong:          plan.Strong,
		SentimentAtOpen: int(score),
	}

	// A concurrent signal for the same user can win the last slot
	// between the count check and the insert; the store-level cap
	// catches that, and we retry the whole check once.
	err = e.positions.Open(ctx, record)
	if errors.Is(err, db.ErrPositionCap) {
		record.ID = uuid.NewString()
		err = e.positions.Open(ctx, record)
		if errors.Is(err, db.ErrPositionCap) {
			return e.reject(sig, userID, ReasonPositionLimit, score)
		}
	}
	if err != nil {
		log.Printf("persist position for %s: %v", userID, err)
		return e.reject(sig, userID, "store failure", score)
	}

	e.bus.Publish(events.EventSignalAccepted, events.SignalOutcome{
		UserID:    userID,
		Kind:      string(sig.Kind),
		Symbol:    sig.Symbol,
		Accepted:  true,
		Sentiment: score,
		At:        time.Now(),
	})
	return Outcome{UserID: userID, Accepted: true, Plan: &plan, Sentiment: score}
}

func (e *Engine) processClose(ctx context.Context, sig Signal, userID string) Outcome {
	score := e.sentiment.Score(ctx)
	side := string(sig.Kind.Side())

	closed, err := e.positions.CloseSide(ctx, userID, side, sig.Price, "signal")
	if err != nil {
		log.Printf("close %s positions for %s: %v", side, userID, err)
		return e.reject(sig, userID, "store failure", score)
	}
	if closed == 0 {
		return e.reject(sig, userID, ReasonNoOpenPosition, score)
	}

	e.bus.Publish(events.EventSignalAccepted, events.SignalOutcome{
		UserID:    userID,
		Kind:      string(sig.Kind),
		Symbol:    sig.Symbol,
		Accepted:  true,
		Sentiment: score,
		At:        time.Now(),
	})
	return Outcome{UserID: userID, Accepted: true, Closed: closed, Sentiment: score}
}

func (e *Engine) reject(sig Signal, userID, reason string, score float64) Outcome {
	e.bus.Publish(events.EventSignalRejected, events.SignalOutcome{
		UserID:    userID,
		Kind:      string(sig.Kind),
		Symbol:    sig.Symbol,
		Accepted:  false,
		Reason:    reason,
		Sentiment: score,
		At:        time.Now(),
	})
	return Outcome{UserID: userID, Accepted: false, Reason: reason, Sentiment: score}
}
