package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"discord-automod-bot/internal/models"
	"discord-automod-bot/internal/redis"

	"github.com/dgraph-io/ristretto"
	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
)

// RuleSource is the slow source the cache sits in front of
type RuleSource interface {
	GuildRules(ctx context.Context, guildID string) (*models.GuildRules, error)
	GuildIDs(ctx context.Context) ([]string, error)
}

// Cache provides guild rules through L1 (in-memory) and L2 (Redis) layers
type Cache struct {
	l1           *ristretto.Cache
	l2           *redis.Client
	source       RuleSource
	singleflight singleflight.Group
	ttl          time.Duration

	// Metrics
	l1Hits   atomic.Uint64
	l1Misses atomic.Uint64
	l2Hits   atomic.Uint64
	l2Misses atomic.Uint64
}

// Config for cache initialization
type Config struct {
	L1MaxCost     int64         // Max number of cached guilds (each costs 1)
	L1NumCounters int64         // Number of keys to track frequency (default: 100k)
	DefaultTTL    time.Duration // TTL for cache entries in both layers
}

// NewCache creates a rule cache over source. redis may be nil.
func NewCache(source RuleSource, rdb *redis.Client, cfg Config) (*Cache, error) {
	if cfg.L1MaxCost == 0 {
		cfg.L1MaxCost = 10000
	}
	if cfg.L1NumCounters == 0 {
		cfg.L1NumCounters = 100000
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}

	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.L1NumCounters,
		MaxCost:     cfg.L1MaxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create L1 cache: %w", err)
	}

	return &Cache{
		l1:     l1,
		l2:     rdb,
		source: source,
		ttl:    cfg.DefaultTTL,
	}, nil
}

func l2Key(guildID string) string {
	return "rules:" + guildID
}

// GuildRules returns the rules of a guild with automatic L1->L2->source fallback.
// Guilds without rules are cached as a disabled empty configuration.
func (c *Cache) GuildRules(ctx context.Context, guildID string) (*models.GuildRules, error) {
	if val, found := c.l1.Get(guildID); found {
		c.l1Hits.Add(1)
		return unwrap(val.(*models.GuildRules)), nil
	}
	c.l1Misses.Add(1)

	if c.l2 != nil {
		if raw, err := c.l2.Get(ctx, l2Key(guildID)); err == nil && raw != "" {
			var g models.GuildRules
			if err := json.Unmarshal([]byte(raw), &g); err == nil {
				c.l2Hits.Add(1)
				c.l1.SetWithTTL(guildID, &g, 1, c.ttl)
				return unwrap(&g), nil
			}
		}
		c.l2Misses.Add(1)
	}

	// source fetch with singleflight to prevent stampede
	val, err, _ := c.singleflight.Do(guildID, func() (interface{}, error) {
		g, err := c.source.GuildRules(ctx, guildID)
		if err != nil {
			return nil, err
		}
		if g == nil {
			g = &models.GuildRules{GuildID: guildID}
		}
		c.set(ctx, g)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return unwrap(val.(*models.GuildRules)), nil
}

// unwrap maps the cached placeholder of a guild without rules back to nil
func unwrap(g *models.GuildRules) *models.GuildRules {
	if !g.Enabled && len(g.Rules) == 0 {
		return nil
	}
	cp := *g
	cp.Rules = append([]models.ViolationRule(nil), g.Rules...)
	return &cp
}

// GuildIDs is passed through to the source
func (c *Cache) GuildIDs(ctx context.Context) ([]string, error) {
	return c.source.GuildIDs(ctx)
}

func (c *Cache) set(ctx context.Context, g *models.GuildRules) {
	c.l1.SetWithTTL(g.GuildID, g, 1, c.ttl)
	if c.l2 != nil {
		if payload, err := json.Marshal(g); err == nil {
			c.l2.Set(ctx, l2Key(g.GuildID), payload, c.ttl)
		}
	}
}

// Invalidate removes a guild from all cache layers
func (c *Cache) Invalidate(ctx context.Context, guildID string) {
	c.l1.Del(guildID)
	if c.l2 != nil {
		c.l2.Del(ctx, l2Key(guildID))
	}
}

// GetMetrics returns cache performance metrics
func (c *Cache) GetMetrics() Metrics {
	l1Total := c.l1Hits.Load() + c.l1Misses.Load()
	l2Total := c.l2Hits.Load() + c.l2Misses.Load()

	var l1HitRate, l2HitRate float64
	if l1Total > 0 {
		l1HitRate = float64(c.l1Hits.Load()) / float64(l1Total)
	}
	if l2Total > 0 {
		l2HitRate = float64(c.l2Hits.Load()) / float64(l2Total)
	}

	return Metrics{
		L1Hits:        c.l1Hits.Load(),
		L1Misses:      c.l1Misses.Load(),
		L1HitRate:     l1HitRate,
		L2Hits:        c.l2Hits.Load(),
		L2Misses:      c.l2Misses.Load(),
		L2HitRate:     l2HitRate,
		L1KeysAdded:   c.l1.Metrics.KeysAdded(),
		L1KeysEvicted: c.l1.Metrics.KeysEvicted(),
	}
}

// Metrics holds cache performance data
type Metrics struct {
	L1Hits        uint64
	L1Misses      uint64
	L1HitRate     float64
	L2Hits        uint64
	L2Misses      uint64
	L2HitRate     float64
	L1KeysAdded   uint64
	L1KeysEvicted uint64
}

// Wait blocks until pending L1 writes are visible
func (c *Cache) Wait() {
	c.l1.Wait()
}

// Close gracefully shuts down the cache
func (c *Cache) Close() {
	c.l1.Close()
}
