package marketcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quorumbot/internal/domain"
	"quorumbot/internal/ports"
)

// Cache implements ports.MarketCache on Redis. Market data is shared across
// restarts and, when several instances run, across processes. Failures degrade
// to cache misses; the caller falls back to the exchange.
type Cache struct {
	rdb    *redis.Client
	logger ports.Logger
}

// Config holds configuration for the Redis market cache.
type Config struct {
	Addr     string
	Password string
	DB       int
	Logger   ports.Logger
}

// New creates a Redis-backed market cache and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for market cache")
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at '%s': %w", cfg.Addr, err)
	}
	cfg.Logger.Info(ctx, "Redis market cache connected", map[string]interface{}{"addr": cfg.Addr})

	return &Cache{rdb: rdb, logger: cfg.Logger}, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func tickerKey(symbol string) string  { return "ticker:" + symbol }
func fundingKey(symbol string) string { return "funding:" + symbol }

// GetTicker returns the cached ticker for a symbol, if present and fresh.
func (c *Cache) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, bool) {
	var ticker domain.Ticker
	if !c.get(ctx, tickerKey(symbol), &ticker) {
		return nil, false
	}
	return &ticker, true
}

// SetTicker caches a ticker with the given TTL.
func (c *Cache) SetTicker(ctx context.Context, ticker *domain.Ticker, ttl time.Duration) {
	if ticker == nil {
		return
	}
	c.set(ctx, tickerKey(ticker.Symbol), ticker, ttl)
}

// GetFundingRate returns the cached funding rate for a symbol, if present.
func (c *Cache) GetFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, bool) {
	var rate domain.FundingRate
	if !c.get(ctx, fundingKey(symbol), &rate) {
		return nil, false
	}
	return &rate, true
}

// SetFundingRate caches a funding rate with the given TTL.
func (c *Cache) SetFundingRate(ctx context.Context, rate *domain.FundingRate, ttl time.Duration) {
	if rate == nil {
		return
	}
	c.set(ctx, fundingKey(rate.Symbol), rate, ttl)
}

func (c *Cache) get(ctx context.Context, key string, dest interface{}) bool {
	cached, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn(ctx, "Redis read failed, treating as miss", map[string]interface{}{"key": key, "error": err.Error()})
		}
		return false
	}
	if err := json.Unmarshal([]byte(cached), dest); err != nil {
		c.logger.Warn(ctx, "Corrupt cache entry, treating as miss", map[string]interface{}{"key": key, "error": err.Error()})
		return false
	}
	return true
}

func (c *Cache) set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	encoded, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn(ctx, "Failed to encode cache entry", map[string]interface{}{"key": key, "error": err.Error()})
		return
	}
	if err := c.rdb.Set(ctx, key, encoded, ttl).Err(); err != nil {
		c.logger.Warn(ctx, "Redis write failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
}
