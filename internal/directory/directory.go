// Package directory maintains the developer roster read from the contract.
// Reads are cached in memory with a TTL, collapsed through singleflight so
// concurrent misses cost one chain walk, and optionally mirrored in redis
// so restarts and sibling agents skip the walk entirely.
package directory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/devconnect-labs/devconnect/internal/ledger"
	"github.com/devconnect-labs/devconnect/internal/logging"
)

// Config tunes roster caching.
type Config struct {
	TTL time.Duration `env:"DIRECTORY_TTL" envDefault:"60s"`

	RedisEnabled  bool          `env:"DIRECTORY_REDIS_ENABLED" envDefault:"false"`
	RedisAddr     string        `env:"DIRECTORY_REDIS_ADDR"`
	RedisUsername string        `env:"DIRECTORY_REDIS_USERNAME"`
	RedisPassword string        `env:"DIRECTORY_REDIS_PASSWORD"`
	RedisDB       int           `env:"DIRECTORY_REDIS_DB" envDefault:"0"`
	RedisPrefix   string        `env:"DIRECTORY_REDIS_PREFIX"`
	RedisTTL      time.Duration `env:"DIRECTORY_REDIS_TTL" envDefault:"5m"`
}

// Cache is the roster read path.
type Cache struct {
	client ledger.Client
	l2     *redisCache
	ttl    time.Duration
	log    *logrus.Entry
	now    func() time.Time
	sf     singleflight.Group

	mu        sync.RWMutex
	roster    []ledger.Developer
	byAddr    map[ledger.Address]ledger.Developer
	fetchedAt time.Time
}

// New builds the roster cache. Redis is optional; when disabled the cache
// degrades to in-memory only.
func New(ctx context.Context, client ledger.Client, cfg Config) (*Cache, error) {
	l2, err := newRedisCache(ctx, RedisOptions{
		Enabled:  cfg.RedisEnabled,
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisPrefix,
		TTL:      cfg.RedisTTL,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		client: client,
		l2:     l2,
		ttl:    cfg.TTL,
		log:    logging.Component("directory"),
		now:    time.Now,
	}, nil
}

// Close releases the redis connection, if any.
func (c *Cache) Close() {
	c.l2.Close()
}

// List returns the roster, refreshing it if the cached copy expired.
func (c *Cache) List(ctx context.Context) ([]ledger.Developer, error) {
	if roster, ok := c.cached(); ok {
		return roster, nil
	}

	v, err, _ := c.sf.Do("roster", func() (interface{}, error) {
		// A concurrent caller may have refreshed while we queued.
		if roster, ok := c.cached(); ok {
			return roster, nil
		}
		return c.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]ledger.Developer), nil
}

// Get returns one developer's profile from the roster.
func (c *Cache) Get(ctx context.Context, addr ledger.Address) (ledger.Developer, bool, error) {
	if _, err := c.List(ctx); err != nil {
		return ledger.Developer{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byAddr[addr]
	return d, ok, nil
}

// DisplayName renders an address as its registered name when known, the
// shortened hex form otherwise. Never hits the chain.
func (c *Cache) DisplayName(addr ledger.Address) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.byAddr[addr]; ok && d.Name != "" {
		return d.Name
	}
	return addr.Short()
}

// Invalidate drops the cached roster so the next List walks the chain.
// Called when registration or availability events arrive.
func (c *Cache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
	if err := c.l2.Delete(ctx); err != nil {
		c.log.WithError(err).Warn("redis invalidate failed")
	}
}

// Refresh forces a reload.
func (c *Cache) Refresh(ctx context.Context) ([]ledger.Developer, error) {
	c.Invalidate(ctx)
	return c.List(ctx)
}

func (c *Cache) cached() ([]ledger.Developer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fetchedAt.IsZero() || c.now().Sub(c.fetchedAt) > c.ttl {
		return nil, false
	}
	out := make([]ledger.Developer, len(c.roster))
	copy(out, c.roster)
	return out, true
}

// load fills the cache from redis when possible, from the contract
// otherwise.
func (c *Cache) load(ctx context.Context) ([]ledger.Developer, error) {
	if blob, ok, err := c.l2.Get(ctx); err != nil {
		c.log.WithError(err).Warn("redis read failed, walking chain")
	} else if ok {
		var roster []ledger.Developer
		if err := json.Unmarshal(blob, &roster); err == nil {
			c.store(roster)
			return roster, nil
		}
		c.log.Warn("discarding malformed roster blob")
	}

	roster, err := c.walk(ctx)
	if err != nil {
		return nil, err
	}
	c.store(roster)

	if blob, err := json.Marshal(roster); err == nil {
		if err := c.l2.Set(ctx, blob); err != nil {
			c.log.WithError(err).Warn("redis write failed")
		}
	}
	return roster, nil
}

// walk enumerates the contract's developer list.
func (c *Cache) walk(ctx context.Context) ([]ledger.Developer, error) {
	count, err := c.client.DeveloperCount(ctx)
	if err != nil {
		return nil, err
	}

	roster := make([]ledger.Developer, 0, count)
	for i := int64(0); i < count; i++ {
		addr, err := c.client.DeveloperAddress(ctx, i)
		if err != nil {
			return nil, err
		}
		d, err := c.client.DeveloperDetails(ctx, addr)
		if err != nil {
			return nil, err
		}
		if !d.IsRegistered {
			continue
		}
		roster = append(roster, d)
	}
	c.log.WithField("count", len(roster)).Debug("roster loaded")
	return roster, nil
}

func (c *Cache) store(roster []ledger.Developer) {
	byAddr := make(map[ledger.Address]ledger.Developer, len(roster))
	for _, d := range roster {
		byAddr[d.Address] = d
	}
	c.mu.Lock()
	c.roster = roster
	c.byAddr = byAddr
	c.fetchedAt = c.now()
	c.mu.Unlock()
}
