package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TradingDefaults are the fallback sizing parameters applied when a user has
// no explicit trading params configured. Caps are hard ceilings on the derived
// TP/SL percentages and on leverage itself.
type TradingDefaults struct {
	Leverage        float64
	TPMultiplier    float64
	SLMultiplier    float64
	BalancePercent  float64
	LeverageCap     float64
	TPCapMultiplier float64
	SLCapMultiplier float64
}

// Config holds environment-driven settings for the execution engine.
type Config struct {
	Port string

	// Database
	DBPath string

	// Sentiment state (shared Redis key, 0-100)
	RedisURL          string
	SentimentKey      string
	FallbackSentiment int

	// Signal ingestion
	SignalToken string // shared secret for the webhook source

	// Monitoring loop
	MonitorInterval time.Duration
	MonitorWorkers  int
	MonitorRate     float64 // exchange calls per second across all workers

	// Exchange calls
	ExchangeTimeout time.Duration
	RecvWindow      int64 // ms

	// Per-user trading params overrides
	ParamsPath string

	// Auth
	JWTSecret string

	Trading TradingDefaults
}

// DefaultTrading returns the documented fallback parameters.
func DefaultTrading() TradingDefaults {
	return TradingDefaults{
		Leverage:        5,
		TPMultiplier:    3,
		SLMultiplier:    2,
		BalancePercent:  30,
		LeverageCap:     10,
		TPCapMultiplier: 5,
		SLCapMultiplier: 4,
	}
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the service still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/signal-core.db"),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		SentimentKey:      getEnv("SENTIMENT_KEY", "market:sentiment"),
		FallbackSentiment: getEnvInt("SENTIMENT_FALLBACK", 50),
		SignalToken:       os.Getenv("SIGNAL_TOKEN"),
		MonitorInterval:   time.Duration(getEnvInt("MONITOR_INTERVAL_SECS", 30)) * time.Second,
		MonitorWorkers:    getEnvInt("MONITOR_WORKERS", 8),
		MonitorRate:       getEnvFloat("MONITOR_RATE", 20),
		ExchangeTimeout:   time.Duration(getEnvInt("EXCHANGE_TIMEOUT_SECS", 10)) * time.Second,
		RecvWindow:        int64(getEnvInt("RECV_WINDOW_MS", 5000)),
		ParamsPath:        getEnv("TRADING_PARAMS_PATH", ""),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		Trading:           loadTrading(),
	}, nil
}

func loadTrading() TradingDefaults {
	def := DefaultTrading()
	def.Leverage = getEnvFloat("DEFAULT_LEVERAGE", def.Leverage)
	def.TPMultiplier = getEnvFloat("DEFAULT_TP_MULTIPLIER", def.TPMultiplier)
	def.SLMultiplier = getEnvFloat("DEFAULT_SL_MULTIPLIER", def.SLMultiplier)
	def.BalancePercent = getEnvFloat("DEFAULT_BALANCE_PERCENT", def.BalancePercent)
	def.LeverageCap = getEnvFloat("LEVERAGE_CAP", def.LeverageCap)
	def.TPCapMultiplier = getEnvFloat("TP_CAP_MULTIPLIER", def.TPCapMultiplier)
	def.SLCapMultiplier = getEnvFloat("SL_CAP_MULTIPLIER", def.SLCapMultiplier)
	return def
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
