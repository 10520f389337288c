package storage

import (
	"context"
	"log/slog"

	"github.com/example/parcel-tracking/internal/geo"
	"github.com/example/parcel-tracking/internal/logging"
	"github.com/example/parcel-tracking/internal/models"
)

// Source is anything that can produce a fresh snapshot: the backend client
// or PostgresSource.
type Source interface {
	FetchSnapshot(ctx context.Context, jobID string) (models.TrackingSnapshot, error)
}

// CachedFetcher fronts a Source with a SnapshotCache and overlays the newest
// courier position reported through the location stream.
type CachedFetcher struct {
	Source    Source
	Cache     SnapshotCache
	Positions geo.Positions
	Logger    *slog.Logger
}

func (f *CachedFetcher) FetchSnapshot(ctx context.Context, jobID string) (models.TrackingSnapshot, error) {
	log := logging.OrNop(f.Logger)

	snap, hit := f.cached(ctx, jobID, log)
	if !hit {
		var err error
		snap, err = f.Source.FetchSnapshot(ctx, jobID)
		if err != nil {
			return models.TrackingSnapshot{}, err
		}
		if f.Cache != nil {
			if err := f.Cache.Set(ctx, snap); err != nil {
				log.Warn("snapshot cache write failed", "job_id", jobID, "error", err)
			}
		}
	}
	return f.overlay(snap), nil
}

func (f *CachedFetcher) cached(ctx context.Context, jobID string, log *slog.Logger) (models.TrackingSnapshot, bool) {
	if f.Cache == nil {
		return models.TrackingSnapshot{}, false
	}
	snap, ok, err := f.Cache.Get(ctx, jobID)
	if err != nil {
		log.Warn("snapshot cache read failed", "job_id", jobID, "error", err)
		return models.TrackingSnapshot{}, false
	}
	return snap, ok
}

// overlay swaps in a streamed courier position when it is newer than the
// one in the snapshot. Only jobs with a courier on the move are touched.
func (f *CachedFetcher) overlay(snap models.TrackingSnapshot) models.TrackingSnapshot {
	if f.Positions == nil || !snap.Status.Live() {
		return snap
	}
	pos, ok := f.Positions.Latest(snap.JobID)
	if !ok {
		return snap
	}
	if snap.Courier != nil && snap.Courier.Valid() && !pos.Timestamp.After(snap.Courier.Timestamp) {
		return snap
	}
	return snap.WithCourier(pos, snap.FetchedAt)
}
