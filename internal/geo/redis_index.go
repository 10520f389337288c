package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/parcel-tracking/internal/models"
)

// Positions keeps the latest courier position per tracked job.
type Positions interface {
	Upsert(jobID string, pos models.CourierPosition) error
	Latest(jobID string) (models.CourierPosition, bool)
}

// RedisIndex implements Positions with one hash per job, so the consumer and
// every gateway instance see the same courier positions. Hashes expire after
// ttl without updates and are removed outright once a job finishes.
type RedisIndex struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisIndex(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisIndex {
	if prefix == "" {
		prefix = DefaultPositionPrefix
	}
	return &RedisIndex{client: client, prefix: prefix, ttl: ttl, timeout: 2 * time.Second}
}

const DefaultPositionPrefix = "courier:pos:"

func (r *RedisIndex) Upsert(jobID string, pos models.CourierPosition) error {
	if !pos.Valid() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.UpsertContext(ctx, jobID, pos)
}

// UpsertContext writes the position hash and refreshes its TTL in one
// transaction.
func (r *RedisIndex) UpsertContext(ctx context.Context, jobID string, pos models.CourierPosition) error {
	ts := pos.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.key(jobID), map[string]interface{}{
			"name":    pos.Name,
			"lat":     strconv.FormatFloat(pos.Lat, 'f', 7, 64),
			"lng":     strconv.FormatFloat(pos.Lng, 'f', 7, 64),
			"updated": ts.UTC().Format(time.RFC3339Nano),
		})
		if r.ttl > 0 {
			p.Expire(ctx, r.key(jobID), r.ttl)
		}
		return nil
	})
	return err
}

func (r *RedisIndex) Latest(jobID string) (models.CourierPosition, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	m, err := r.client.HGetAll(ctx, r.key(jobID)).Result()
	if err != nil || len(m) == 0 {
		return models.CourierPosition{}, false
	}
	var pos models.CourierPosition
	pos.Name = m["name"]
	if pos.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		return models.CourierPosition{}, false
	}
	if pos.Lng, err = strconv.ParseFloat(m["lng"], 64); err != nil {
		return models.CourierPosition{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		pos.Timestamp = ts
	}
	return pos, pos.Valid()
}

// Remove drops a job's courier once tracking has ended.
func (r *RedisIndex) Remove(ctx context.Context, jobID string) error {
	return r.client.Del(ctx, r.key(jobID)).Err()
}

func (r *RedisIndex) key(jobID string) string {
	return r.prefix + jobID
}
