package trigger

import (
	"context"
	"time"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/rediskey"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var invalidTriggers = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "loyalty_trigger_invalid_total",
	Help: "Active triggers left out of a cached set because their definition is invalid.",
})

func init() {
	prometheus.MustRegister(invalidTriggers)
}

// Registry answers which triggers may fire for an event type at a given time.
// With Redis configured, invalidations are broadcast so every instance drops
// its cached sets instead of waiting for the TTL.
type Registry struct {
	repo  Repository
	cache *Cache
	rdb   *redis.Client
}

type RegistryParams struct {
	fx.In
	Lifecycle  fx.Lifecycle `optional:"true"`
	Repository Repository
	Config     *config.Config
	Redis      *redis.Client `optional:"true"`
}

func NewRegistry(p RegistryParams) (*Registry, error) {
	cache, err := NewCache(p.Config.Loyalty.TriggerCacheSize, p.Config.Loyalty.TriggerCacheTTL)
	if err != nil {
		return nil, err
	}

	r := &Registry{repo: p.Repository, cache: cache, rdb: p.Redis}
	if r.rdb != nil && p.Lifecycle != nil {
		var sub *redis.PubSub
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				sub = r.rdb.Subscribe(ctx, rediskey.TriggerInvalidationChannel)
				go r.listen(sub.Channel())
				return nil
			},
			OnStop: func(ctx context.Context) error {
				if sub == nil {
					return nil
				}
				return sub.Close()
			},
		})
	}
	return r, nil
}

// FindActiveTriggers returns active triggers of organizationID for eventType
// whose validity window contains at, highest priority first. Triggers failing
// validation are dropped when the set is loaded, not per event.
func (r *Registry) FindActiveTriggers(ctx context.Context, organizationID string, eventType EventType, at time.Time) ([]Trigger, error) {
	key := SetKey{OrganizationID: organizationID, EventType: eventType}

	all, err := r.cache.Load(ctx, key, func(ctx context.Context) ([]Trigger, error) {
		loaded, err := r.repo.ListActiveByEventType(ctx, organizationID, eventType)
		if err != nil {
			return nil, err
		}
		return usable(loaded), nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Trigger, 0, len(all))
	for i := range all {
		if all[i].ActiveAt(at) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func usable(loaded []Trigger) []Trigger {
	out := loaded[:0]
	for i := range loaded {
		if err := loaded[i].Validate(); err != nil {
			invalidTriggers.Inc()
			zap.L().Warn("skipping misconfigured trigger",
				zap.String("organization_id", loaded[i].OrganizationID),
				zap.String("trigger_id", loaded[i].ID),
				zap.Error(err))
			continue
		}
		out = append(out, loaded[i])
	}
	return out
}

// Invalidate drops the cached sets of organizationID here and, when Redis is
// available, on every other instance. A failed publish leaves the others to
// the cache TTL.
func (r *Registry) Invalidate(ctx context.Context, organizationID string) {
	r.cache.InvalidateOrganization(organizationID)
	if r.rdb == nil {
		return
	}

	if err := r.rdb.Publish(context.WithoutCancel(ctx), rediskey.TriggerInvalidationChannel, organizationID).Err(); err != nil {
		zap.L().Warn("failed to broadcast trigger invalidation",
			zap.String("organization_id", organizationID),
			zap.Error(err))
	}
}

func (r *Registry) listen(ch <-chan *redis.Message) {
	for msg := range ch {
		r.cache.InvalidateOrganization(msg.Payload)
	}
}
