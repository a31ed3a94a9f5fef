package signal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"signal-core/internal/events"
	"signal-core/internal/position"
	"signal-core/internal/sentiment"
	"signal-core/pkg/config"
	"signal-core/pkg/db"
)

type engineFixture struct {
	engine  *Engine
	queries *db.UserQueries
	bus     *events.Bus
	score   *sentiment.StaticProvider
}

func setupEngine(t *testing.T, score float64) *engineFixture {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	q := database.Queries()
	ctx := context.Background()
	if err := q.UpsertUser(ctx, db.User{ID: "user-a", Name: "user-a", Balance: 1000, IsActive: true}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := q.InsertActiveCredential(ctx, db.Credential{
		ID: "cred-a", UserID: "user-a", Exchange: "bybit", Environment: "mainnet",
		APIKeySealed: "k", APISecretSealed: "s", KeyVersion: 1,
		Status: db.CredentialValid, LastValidatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	bus := events.NewBus()
	provider := sentiment.StaticProvider(score)
	params := NewParamsStore(config.DefaultTrading())
	engine := NewEngine(q, position.NewManager(q, bus), &provider, params, bus)
	return &engineFixture{engine: engine, queries: q, bus: bus, score: &provider}
}

func TestProcessOpenEndToEnd(t *testing.T) {
	f := setupEngine(t, 50)
	sig := Signal{Symbol: "BTCUSDT", Kind: KindOpenLong, Price: 50000, ReceivedAt: time.Now()}

	out := f.engine.Process(context.Background(), sig, "user-a")
	if !out.Accepted {
		t.Fatalf("expected acceptance, got rejection: %s", out.Reason)
	}
	plan := out.Plan
	if plan.TradeAmount != 300 || plan.PositionSize != 1500 {
		t.Errorf("unexpected sizing: %+v", plan)
	}
	if plan.TakeProfitPrice != 57500 || plan.StopLossPrice != 45000 {
		t.Errorf("unexpected levels: %+v", plan)
	}

	stored, err := f.queries.ListPositionsByUser(context.Background(), "user-a", 10)
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored position, got %d", len(stored))
	}
	p := stored[0]
	if p.Status != db.PositionPending {
		t.Errorf("new position must be pending, got %s", p.Status)
	}
	if p.SentimentAtOpen != 50 || p.Quantity != 1500 {
		t.Errorf("unexpected record: %+v", p)
	}
}

func TestProcessRecordsIntegerSentiment(t *testing.T) {
	// The stored sentiment index is an integer; fractional provider
	// readings are truncated, never rejected.
	f := setupEngine(t, 42.7)
	sig := Signal{Symbol: "BTCUSDT", Kind: KindOpenLong, Price: 50000, ReceivedAt: time.Now()}

	out := f.engine.Process(context.Background(), sig, "user-a")
	if !out.Accepted {
		t.Fatalf("expected acceptance, got rejection: %s", out.Reason)
	}
	if out.Sentiment != 42.7 {
		t.Errorf("outcome sentiment = %v, want 42.7", out.Sentiment)
	}

	stored, err := f.queries.ListPositionsByUser(context.Background(), "user-a", 10)
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(stored) != 1 || stored[0].SentimentAtOpen != 42 {
		t.Errorf("expected stored sentiment 42, got %+v", stored)
	}
}

func TestProcessGateBlocks(t *testing.T) {
	cases := []struct {
		name  string
		score float64
		kind  Kind
		want  bool
	}{
		{"extreme fear blocks short", 25, KindOpenShort, false},
		{"extreme fear allows long", 25, KindOpenLong, true},
		{"extreme greed blocks long", 90, KindOpenLong, false},
		{"extreme greed allows short", 90, KindOpenShortStrong, true},
		{"neutral allows both", 55, KindOpenShort, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setupEngine(t, tc.score)
			sig := Signal{Symbol: "BTCUSDT", Kind: tc.kind, Price: 50000}
			out := f.engine.Process(context.Background(), sig, "user-a")
			if out.Accepted != tc.want {
				t.Errorf("accepted = %v, want %v (reason %q)", out.Accepted, tc.want, out.Reason)
			}
			if !tc.want && out.Reason != ReasonGateBlocked {
				t.Errorf("reason = %q, want %q", out.Reason, ReasonGateBlocked)
			}
		})
	}
}

func TestProcessPositionLimit(t *testing.T) {
	f := setupEngine(t, 50)
	ctx := context.Background()
	sig := Signal{Symbol: "BTCUSDT", Kind: KindOpenLong, Price: 50000}

	for i := 0; i < position.MaxConcurrent; i++ {
		if out := f.engine.Process(ctx, sig, "user-a"); !out.Accepted {
			t.Fatalf("open %d rejected: %s", i, out.Reason)
		}
	}
	out := f.engine.Process(ctx, sig, "user-a")
	if out.Accepted || out.Reason != ReasonPositionLimit {
		t.Errorf("expected position-limit rejection, got %+v", out)
	}
}

func TestProcessUnknownKindDropped(t *testing.T) {
	f := setupEngine(t, 50)
	sig := Signal{Symbol: "BTCUSDT", Kind: "SINAL_BANANA", Price: 50000}

	out := f.engine.Process(context.Background(), sig, "user-a")
	if out.Accepted || out.Reason != ReasonUnknownKind {
		t.Errorf("expected unknown-kind rejection, got %+v", out)
	}

	stored, _ := f.queries.ListPositionsByUser(context.Background(), "user-a", 10)
	if len(stored) != 0 {
		t.Errorf("unknown kind must not persist positions, got %d", len(stored))
	}
}

func TestProcessCloseBatchesSide(t *testing.T) {
	f := setupEngine(t, 50)
	ctx := context.Background()

	if out := f.engine.Process(ctx, Signal{Symbol: "BTCUSDT", Kind: KindOpenLong, Price: 50000}, "user-a"); !out.Accepted {
		t.Fatalf("open long: %s", out.Reason)
	}
	if out := f.engine.Process(ctx, Signal{Symbol: "ETHUSDT", Kind: KindOpenShort, Price: 3000}, "user-a"); !out.Accepted {
		t.Fatalf("open short: %s", out.Reason)
	}

	out := f.engine.Process(ctx, Signal{Symbol: "BTCUSDT", Kind: KindCloseLong, Price: 51000}, "user-a")
	if !out.Accepted || out.Closed != 1 {
		t.Fatalf("expected 1 long closed, got %+v", out)
	}

	// Replay: nothing left to close, reported as no-op rejection.
	replay := f.engine.Process(ctx, Signal{Symbol: "BTCUSDT", Kind: KindCloseLong, Price: 51000}, "user-a")
	if replay.Accepted || replay.Reason != ReasonNoOpenPosition {
		t.Errorf("expected no-op rejection on replay, got %+v", replay)
	}

	stored, _ := f.queries.ListPositionsByUser(ctx, "user-a", 10)
	for _, p := range stored {
		if p.Side == "long" && p.Status != db.PositionClosed {
			t.Errorf("long position not closed: %+v", p)
		}
		if p.Side == "short" && p.Status == db.PositionClosed {
			t.Errorf("short position wrongly closed: %+v", p)
		}
		if p.Side == "long" && (p.ExitPrice != 51000 || p.CloseReason != "signal") {
			t.Errorf("close metadata missing: %+v", p)
		}
	}
}

func TestProcessAllFansOutPerUser(t *testing.T) {
	f := setupEngine(t, 50)
	ctx := context.Background()

	if err := f.queries.UpsertUser(ctx, db.User{ID: "user-b", Name: "user-b", Balance: 500, IsActive: true}); err != nil {
		t.Fatalf("seed user-b: %v", err)
	}
	if err := f.queries.InsertActiveCredential(ctx, db.Credential{
		ID: "cred-b", UserID: "user-b", Exchange: "binance-usdtfut", Environment: "mainnet",
		APIKeySealed: "k", APISecretSealed: "s", KeyVersion: 1,
		Status: db.CredentialValid, LastValidatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed credential-b: %v", err)
	}

	outcomes := f.engine.ProcessAll(ctx, Signal{Symbol: "BTCUSDT", Kind: KindOpenLong, Price: 50000})
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for _, out := range outcomes {
		if !out.Accepted {
			t.Errorf("user %s rejected: %s", out.UserID, out.Reason)
		}
	}
}

func TestParamsStoreYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.yaml")
	content := "users:\n  user-a:\n    leverage: 8\n    balance_percent: 20\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write params file: %v", err)
	}

	store, err := LoadParamsStore(path, config.DefaultTrading())
	if err != nil {
		t.Fatalf("LoadParamsStore failed: %v", err)
	}

	p := store.For("user-a")
	if p.Leverage != 8 || p.BalancePercent != 20 {
		t.Errorf("overrides not applied: %+v", p)
	}
	if p.TPMultiplier != 3 || p.LeverageCap != 10 {
		t.Errorf("defaults not merged: %+v", p)
	}

	other := store.For("user-z")
	if other.Leverage != 5 || other.BalancePercent != 30 {
		t.Errorf("unknown user must get defaults: %+v", other)
	}

	// Missing file is fine.
	if _, err := LoadParamsStore(filepath.Join(dir, "absent.yaml"), config.DefaultTrading()); err != nil {
		t.Errorf("missing file should not error: %v", err)
	}
}

func TestParseSignalPayload(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		sig, err := Parse(Payload{Symbol: "BTCUSDT", Kind: "SINAL_LONG_FORTE", Price: "50000.5", Timestamp: 1700000000000})
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if sig.Price != 50000.5 || !sig.Kind.Strong() || sig.Kind.Side() != sentiment.DirectionLong {
			t.Errorf("unexpected signal: %+v", sig)
		}
	})

	t.Run("bad price", func(t *testing.T) {
		if _, err := Parse(Payload{Symbol: "BTCUSDT", Kind: "SINAL_LONG", Price: "cheap"}); err == nil {
			t.Error("expected error for non-numeric price")
		}
		if _, err := Parse(Payload{Symbol: "BTCUSDT", Kind: "SINAL_LONG", Price: "-5"}); err == nil {
			t.Error("expected error for negative price")
		}
	})
}
