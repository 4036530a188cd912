package trigger

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_trigger_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_trigger_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

type SetKey struct {
	OrganizationID string
	EventType      EventType
}

func (k SetKey) String() string {
	return k.OrganizationID + ":" + string(k.EventType)
}

type cachedSet struct {
	triggers []Trigger
	loadedAt time.Time
}

// Cache is a bounded read-through cache of active trigger sets. It only saves
// database round trips; every write path invalidates it.
type Cache struct {
	items *lru.Cache[SetKey, cachedSet]
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time
}

// NewCache returns a cache holding up to size sets for ttl. A non-positive
// ttl disables caching.
func NewCache(size int, ttl time.Duration) (*Cache, error) {
	if size <= 0 {
		size = 1
	}
	items, err := lru.New[SetKey, cachedSet](size)
	if err != nil {
		return nil, err
	}
	return &Cache{items: items, ttl: ttl, now: time.Now}, nil
}

func (c *Cache) Get(key SetKey) ([]Trigger, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	v, ok := c.items.Get(key)
	if !ok || c.now().Sub(v.loadedAt) > c.ttl {
		return nil, false
	}
	return v.triggers, true
}

func (c *Cache) Set(key SetKey, triggers []Trigger) {
	if c.ttl <= 0 {
		return
	}
	c.items.Add(key, cachedSet{triggers: triggers, loadedAt: c.now()})
}

// Load returns the cached set or fills it with fn, collapsing concurrent
// misses for the same key into one call.
func (c *Cache) Load(ctx context.Context, key SetKey, fn func(ctx context.Context) ([]Trigger, error)) ([]Trigger, error) {
	if v, ok := c.Get(key); ok {
		cacheHits.Inc()
		return v, nil
	}
	cacheMiss.Inc()

	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		triggers, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, triggers)
		return triggers, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Trigger), nil
}

func (c *Cache) Invalidate(key SetKey) {
	c.items.Remove(key)
}

// InvalidateOrganization drops every cached set of one organization.
func (c *Cache) InvalidateOrganization(organizationID string) {
	for _, key := range c.items.Keys() {
		if key.OrganizationID == organizationID {
			c.items.Remove(key)
		}
	}
}
