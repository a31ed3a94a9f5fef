package sentiment

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Provider reads the shared fear/greed score. Implementations must
// never fail a signal: a missing or unreachable source degrades to
// the neutral fallback.
type Provider interface {
	Score(ctx context.Context) float64
}

// RedisProvider reads the score from a Redis key an external
// collector keeps updated.
type RedisProvider struct {
	client *redis.Client
	key    string

	mu         sync.Mutex
	lastWarnAt time.Time
}

// NewRedisProvider connects to redisURL (redis://host:port/db) and
// reads scores from key.
func NewRedisProvider(redisURL, key string) (*RedisProvider, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisProvider{client: redis.NewClient(opts), key: key}, nil
}

// Score returns the current fear/greed reading, clamped to [0,100].
// Any failure (connection, missing key, junk value) falls back to the
// neutral score so signal processing keeps working.
func (p *RedisProvider) Score(ctx context.Context) float64 {
	raw, err := p.client.Get(ctx, p.key).Result()
	if err != nil {
		p.warn("sentiment read failed, using fallback: %v", err)
		return FallbackScore
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.warn("sentiment value %q not numeric, using fallback", raw)
		return FallbackScore
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Close releases the Redis connection.
func (p *RedisProvider) Close() error {
	return p.client.Close()
}

// warn rate-limits degradation noise to one line per 30s.
func (p *RedisProvider) warn(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.lastWarnAt) < 30*time.Second {
		return
	}
	p.lastWarnAt = time.Now()
	log.Printf("⚠️ "+format, args...)
}

// StaticProvider returns a fixed score. Used in tests and as the
// offline fallback when no Redis URL is configured.
type StaticProvider float64

func (s StaticProvider) Score(context.Context) float64 { return float64(s) }
