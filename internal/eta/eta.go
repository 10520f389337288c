// Package eta estimates courier travel time between two points.
package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/parcel-tracking/internal/clock"
	"github.com/example/parcel-tracking/internal/geo"
	"github.com/example/parcel-tracking/internal/logging"
	"github.com/example/parcel-tracking/internal/models"
)

// DefaultSpeedMps is roughly 29 km/h, a city average for motorbike couriers.
const DefaultSpeedMps = 8.0

type Estimator interface {
	EstimateSeconds(ctx context.Context, from, to models.GeoPoint) (float64, error)
}

// Cache is a small in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	clock clock.Clock
	swept time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration, c clock.Clock) *Cache {
	if c == nil {
		c = clock.Real{}
	}
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, clock: c, swept: c.Now()}
}

// keys round to ~10m so a courier creeping along a street reuses the entry
func keyFor(a, b models.GeoPoint) string {
	return fmt.Sprintf("%.4f,%.4f->%.4f,%.4f", a.Lat, a.Lng, b.Lat, b.Lng)
}

func (c *Cache) Get(a, b models.GeoPoint) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.clock.Now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores v and, at most once per TTL, drops every expired entry. A moving
// courier produces a new key per tick, so entries are rarely read twice.
func (c *Cache) Set(a, b models.GeoPoint, v float64) {
	k := keyFor(a, b)
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.swept) >= c.ttl {
		for key, e := range c.store {
			if now.Sub(e.ts) > c.ttl {
				delete(c.store, key)
			}
		}
		c.swept = now
	}
	c.store[k] = cacheEntry{v: v, ts: now}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Straight estimates from great-circle distance at a constant speed.
type Straight struct {
	SpeedMps float64
}

func (s Straight) EstimateSeconds(_ context.Context, from, to models.GeoPoint) (float64, error) {
	return EstimateSeconds(from, to, s.SpeedMps), nil
}

// EstimateSeconds is distance / speed. A non-positive speed uses DefaultSpeedMps.
func EstimateSeconds(from, to models.GeoPoint, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Haversine(from, to) / speedMps
}

// Router fronts a road-network estimator with a cache and falls back to a
// straight-line estimate when the network lookup fails.
type Router struct {
	Primary  Estimator
	Cache    *Cache
	SpeedMps float64
	Logger   *slog.Logger
}

func (r *Router) EstimateSeconds(ctx context.Context, from, to models.GeoPoint) (float64, error) {
	if !from.Valid() || !to.Valid() {
		return 0, fmt.Errorf("estimate eta: %w", models.ErrNoLocation)
	}
	if r.Cache != nil {
		if v, ok := r.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if r.Primary != nil {
		v, err := r.Primary.EstimateSeconds(ctx, from, to)
		if err == nil {
			if r.Cache != nil {
				r.Cache.Set(from, to, v)
			}
			return v, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		logging.OrNop(r.Logger).Warn("routing lookup failed, using straight line", "error", err)
	}
	return EstimateSeconds(from, to, r.SpeedMps), nil
}

// Arrival predicts when the courier of a delivering job reaches the drop-off.
// ok is false for any other status or when either end has no location.
func Arrival(ctx context.Context, est Estimator, snap models.TrackingSnapshot, now time.Time) (time.Time, bool) {
	if snap.Status != models.StatusDelivering || snap.Courier == nil || !snap.Courier.Valid() || !snap.Delivery.Valid() {
		return time.Time{}, false
	}
	secs, err := est.EstimateSeconds(ctx, snap.Courier.GeoPoint, snap.Delivery.GeoPoint)
	if err != nil {
		return time.Time{}, false
	}
	return now.Add(time.Duration(secs * float64(time.Second))).Truncate(time.Second), true
}
