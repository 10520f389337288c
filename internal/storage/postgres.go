package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/parcel-tracking/internal/models"
)

// PostgresSource reads tracking snapshots straight from a replica of the job
// store, for deployments where the gateway sits next to the database.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSource{db: db}, nil
}

func NewPostgresSourceDB(db *sql.DB) *PostgresSource { return &PostgresSource{db: db} }

const snapshotQuery = `
SELECT j.status,
       j.pickup_address, j.pick_lat, j.pick_lng,
       j.delivery_address, j.delivery_lat, j.delivery_lng,
       c.name, c.lat, c.lng, c.location_updated_at
FROM jobs j
LEFT JOIN couriers c ON c.id = j.courier_id
WHERE j.id = $1`

func (p *PostgresSource) FetchSnapshot(ctx context.Context, jobID string) (models.TrackingSnapshot, error) {
	var (
		status                   string
		pickupAddr, deliveryAddr sql.NullString
		pickLat, pickLng         sql.NullFloat64
		dropLat, dropLng         sql.NullFloat64
		courierName              sql.NullString
		courierLat, courierLng   sql.NullFloat64
		courierUpdated           sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, snapshotQuery, jobID).Scan(
		&status,
		&pickupAddr, &pickLat, &pickLng,
		&deliveryAddr, &dropLat, &dropLng,
		&courierName, &courierLat, &courierLng, &courierUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TrackingSnapshot{}, models.ErrJobNotFound
	}
	if err != nil {
		return models.TrackingSnapshot{}, fmt.Errorf("query snapshot %s: %w", jobID, err)
	}

	st, ok := models.ParseJobStatus(status)
	if !ok {
		return models.TrackingSnapshot{}, fmt.Errorf("job %s: %w %q", jobID, models.ErrUnknownStatus, status)
	}
	snap := models.TrackingSnapshot{
		JobID: jobID,
		Pickup: models.NamedPoint{
			GeoPoint: models.GeoPoint{Lat: pickLat.Float64, Lng: pickLng.Float64},
			Address:  pickupAddr.String,
		},
		Delivery: models.NamedPoint{
			GeoPoint: models.GeoPoint{Lat: dropLat.Float64, Lng: dropLng.Float64},
			Address:  deliveryAddr.String,
		},
		Status: st,
	}
	if courierName.Valid {
		snap.Courier = &models.CourierPosition{
			GeoPoint:  models.GeoPoint{Lat: courierLat.Float64, Lng: courierLng.Float64},
			Name:      courierName.String,
			Timestamp: courierUpdated.Time,
		}
	}
	return snap, nil
}

func (p *PostgresSource) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresSource) Close() error { return p.db.Close() }
