package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"signal-core/internal/api"
	"signal-core/internal/events"
	"signal-core/internal/keys"
	"signal-core/internal/monitor"
	"signal-core/internal/position"
	"signal-core/internal/sentiment"
	sig "signal-core/internal/signal"
	"signal-core/pkg/config"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/binancefut"
	"signal-core/pkg/exchanges/bybit"
	"signal-core/pkg/secrets"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config load failed: %v", err)
	}
	log.Printf("Starting signal-core on port %s", cfg.Port)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ database init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ migrations failed: %v", err)
	}
	queries := database.Queries()
	log.Printf("✓ database ready at %s", cfg.DBPath)

	// Credential sealing keys must exist before any gateway can be built.
	keyring, err := secrets.NewKeyring()
	if err != nil {
		log.Fatalf("❌ seal keyring init failed: %v", err)
	}
	log.Printf("✓ credential keyring loaded (write key v%d)", keyring.CurrentVersion())

	// Sentiment gate: Redis-backed when configured, neutral otherwise.
	var provider sentiment.Provider
	if cfg.RedisURL != "" {
		rp, err := sentiment.NewRedisProvider(cfg.RedisURL, cfg.SentimentKey)
		if err != nil {
			log.Printf("⚠️ sentiment redis unavailable (%v), using neutral fallback", err)
			provider = sentiment.StaticProvider(float64(cfg.FallbackSentiment))
		} else {
			provider = rp
			log.Printf("✓ sentiment provider reading %s", cfg.SentimentKey)
		}
	} else {
		provider = sentiment.StaticProvider(float64(cfg.FallbackSentiment))
		log.Println("⚠️ no REDIS_URL set, sentiment gate pinned to neutral")
	}

	positions := position.NewManager(queries, bus)
	keyMgr := keys.NewManager(queries, keyring, keys.DefaultFactory, bus)

	params, err := sig.LoadParamsStore(cfg.ParamsPath, cfg.Trading)
	if err != nil {
		log.Fatalf("❌ trading params load failed: %v", err)
	}
	if cfg.ParamsPath != "" {
		log.Printf("✓ per-user trading params loaded from %s", cfg.ParamsPath)
	}

	engine := sig.NewEngine(queries, positions, provider, params, bus)

	// Background account polling + pending-order reconciliation.
	loop := monitor.NewLoop(keyMgr, positions, bus, monitor.Options{
		Interval:    cfg.MonitorInterval,
		CallTimeout: cfg.ExchangeTimeout,
		Workers:     cfg.MonitorWorkers,
		CallsPerSec: cfg.MonitorRate,
	})
	loop.Start(ctx)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	server := api.NewServer(
		bus,
		engine,
		keyMgr,
		positions,
		loop.Stats(),
		api.SystemMeta{
			Exchanges: []string{bybit.Name, binancefut.Name},
			Version:   buildVersion,
		},
		cfg.JWTSecret,
		cfg.SignalToken,
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("❌ API server error: %v", err)
		}
	}()
	log.Printf("✓ API listening on :%s", cfg.Port)

	<-ctx.Done()
	log.Println("🔄 shutting down")
	loop.Wait()
}
