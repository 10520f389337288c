package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/parcel-tracking/internal/clock"
	"github.com/example/parcel-tracking/internal/models"
)

// SnapshotCache holds recently fetched snapshots so many viewers of one job
// cost one upstream read per TTL.
type SnapshotCache interface {
	Get(ctx context.Context, jobID string) (models.TrackingSnapshot, bool, error)
	Set(ctx context.Context, snap models.TrackingSnapshot) error
}

type MemoryCache struct {
	mu    sync.RWMutex
	snaps map[string]cached
	ttl   time.Duration
	clock clock.Clock
	swept time.Time
}

type cached struct {
	snap models.TrackingSnapshot
	at   time.Time
}

func NewMemoryCache(ttl time.Duration, c clock.Clock) *MemoryCache {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryCache{snaps: make(map[string]cached), ttl: ttl, clock: c, swept: c.Now()}
}

func (m *MemoryCache) Get(_ context.Context, jobID string) (models.TrackingSnapshot, bool, error) {
	m.mu.RLock()
	e, ok := m.snaps[jobID]
	m.mu.RUnlock()
	if !ok {
		return models.TrackingSnapshot{}, false, nil
	}
	if m.clock.Now().Sub(e.at) >= m.ttl {
		m.mu.Lock()
		delete(m.snaps, jobID)
		m.mu.Unlock()
		return models.TrackingSnapshot{}, false, nil
	}
	return e.snap, true, nil
}

// Set stores snap. Jobs that are never fetched again are swept out on a
// later Set, at most once per TTL.
func (m *MemoryCache) Set(_ context.Context, snap models.TrackingSnapshot) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.swept) >= m.ttl {
		for id, e := range m.snaps {
			if now.Sub(e.at) >= m.ttl {
				delete(m.snaps, id)
			}
		}
		m.swept = now
	}
	m.snaps[snap.JobID] = cached{snap: snap, at: now}
	return nil
}

func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snaps)
}

// RedisCache shares snapshots between gateway replicas.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "tracking:snapshot:", ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, jobID string) (models.TrackingSnapshot, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.TrackingSnapshot{}, false, nil
	}
	if err != nil {
		return models.TrackingSnapshot{}, false, fmt.Errorf("redis get snapshot %s: %w", jobID, err)
	}
	var snap models.TrackingSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return models.TrackingSnapshot{}, false, fmt.Errorf("decode cached snapshot %s: %w", jobID, err)
	}
	return snap, true, nil
}

func (r *RedisCache) Set(ctx context.Context, snap models.TrackingSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+snap.JobID, b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set snapshot %s: %w", snap.JobID, err)
	}
	return nil
}
