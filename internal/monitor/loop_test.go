package monitor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"signal-core/internal/events"
	"signal-core/internal/keys"
	"signal-core/internal/position"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/secrets"
)

type fakeGateway struct {
	calls      atomic.Int64
	balanceErr error
	positions  []common.Position
}

func (f *fakeGateway) Name() string               { return "fake" }
func (f *fakeGateway) Ping(context.Context) error { return nil }
func (f *fakeGateway) WalletBalance(context.Context) (common.Balance, error) {
	f.calls.Add(1)
	return common.Balance{Asset: "USDT", Total: 1000, Available: 800}, f.balanceErr
}
func (f *fakeGateway) OpenPositions(context.Context) ([]common.Position, error) {
	return f.positions, nil
}

type fixture struct {
	loop    *Loop
	queries *db.UserQueries
	bus     *events.Bus
	gw      *fakeGateway
}

func setupLoop(t *testing.T) *fixture {
	t.Helper()

	sealKey, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("generate seal key: %v", err)
	}
	t.Setenv("CREDENTIAL_SEAL_KEY", sealKey)
	keyring, err := secrets.NewKeyring()
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	q := database.Queries()
	ctx := context.Background()
	if err := q.UpsertUser(ctx, db.User{ID: "user-a", Name: "user-a", Balance: 1000, IsActive: true}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	gw := &fakeGateway{}
	factory := func(string, common.Environment, common.Credentials) (common.Gateway, error) {
		return gw, nil
	}
	bus := events.NewBus()
	km := keys.NewManager(q, keyring, factory, bus)
	if _, err := km.SetCredential(ctx, "user-a", "bybit", "mainnet", strings.Repeat("k", 32), strings.Repeat("s", 48)); err != nil {
		t.Fatalf("SetCredential: %v", err)
	}
	gw.calls.Store(0)

	pm := position.NewManager(q, bus)
	loop := NewLoop(km, pm, bus, Options{Interval: time.Hour, Workers: 2, CallsPerSec: 100})
	return &fixture{loop: loop, queries: q, bus: bus, gw: gw}
}

func TestTickPublishesSnapshots(t *testing.T) {
	f := setupLoop(t)
	f.gw.positions = []common.Position{
		{Symbol: "BTCUSDT", Side: "long", Size: 0.03, EntryPrice: 50000, UnrealizedPnL: 12.5},
	}

	balCh, unsubBal := f.bus.Subscribe(events.EventBalanceSnapshot, 4)
	posCh, unsubPos := f.bus.Subscribe(events.EventPositionSnapshot, 4)
	defer unsubBal()
	defer unsubPos()

	f.loop.Tick(context.Background())
	f.loop.Wait()

	select {
	case got := <-balCh:
		snap := got.(events.BalanceSnapshot)
		if snap.UserID != "user-a" || snap.Total != 1000 {
			t.Errorf("unexpected balance snapshot: %+v", snap)
		}
	default:
		t.Fatal("no balance snapshot published")
	}

	select {
	case got := <-posCh:
		snap := got.(events.PositionSnapshot)
		if len(snap.Items) != 1 || snap.Items[0].Symbol != "BTCUSDT" {
			t.Errorf("unexpected position snapshot: %+v", snap)
		}
	default:
		t.Fatal("no position snapshot published")
	}
}

func TestTickConfirmsPendingPositions(t *testing.T) {
	f := setupLoop(t)
	ctx := context.Background()

	pending := db.Position{
		ID: "pos-1", UserID: "user-a", Symbol: "BTCUSDT", Side: "long",
		EntryPrice: 50000, Quantity: 1500, Leverage: 5,
		TakeProfitPrice: 57500, StopLossPrice: 45000, TPPercent: 15, SLPercent: 10,
	}
	if err := f.queries.CreatePositionCapped(ctx, pending, 2); err != nil {
		t.Fatalf("seed pending position: %v", err)
	}
	f.gw.positions = []common.Position{{Symbol: "BTCUSDT", Side: "long", Size: 0.03, EntryPrice: 50000}}

	f.loop.Tick(ctx)
	f.loop.Wait()

	stored, err := f.queries.ListPositionsByUser(ctx, "user-a", 10)
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(stored) != 1 || stored[0].Status != db.PositionOpen {
		t.Errorf("pending position should be confirmed open, got %+v", stored)
	}
}

func TestTickIsolatesFailingPair(t *testing.T) {
	f := setupLoop(t)
	f.gw.balanceErr = errors.New("venue down")

	// A failing pair is skipped; the tick itself must not error or hang.
	f.loop.Tick(context.Background())
	f.loop.Wait()

	if f.gw.calls.Load() == 0 {
		t.Error("expected the pair to be polled")
	}
}

func TestTickRetiresRejectedCredential(t *testing.T) {
	f := setupLoop(t)
	f.gw.balanceErr = &common.APIError{Exchange: "bybit", Code: 10003, Message: "API key is invalid."}
	ctx := context.Background()

	f.loop.Tick(ctx)
	f.loop.Wait()

	// A venue-level key rejection retires the credential; the pair
	// must not be scheduled on the next cycle.
	traders, err := f.queries.ListActiveTraders(ctx)
	if err != nil {
		t.Fatalf("ListActiveTraders: %v", err)
	}
	if len(traders) != 0 {
		t.Errorf("rejected credential still scheduled: %+v", traders)
	}

	before := f.gw.calls.Load()
	f.loop.Tick(ctx)
	f.loop.Wait()
	if f.gw.calls.Load() != before {
		t.Error("retired pair was polled again")
	}
}

func TestTickKeepsCredentialOnTransientFailure(t *testing.T) {
	f := setupLoop(t)
	f.gw.balanceErr = errors.New("connection reset")
	ctx := context.Background()

	f.loop.Tick(ctx)
	f.loop.Wait()

	traders, err := f.queries.ListActiveTraders(ctx)
	if err != nil {
		t.Fatalf("ListActiveTraders: %v", err)
	}
	if len(traders) != 1 {
		t.Errorf("transient failure must not retire the credential: %+v", traders)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	f := setupLoop(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.loop.Start(ctx)
	cancel()
	f.loop.Wait()

	before := f.gw.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if f.gw.calls.Load() != before {
		t.Error("loop kept polling after cancellation")
	}
}
