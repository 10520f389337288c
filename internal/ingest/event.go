// Package ingest carries courier location events between the courier apps
// and the tracking gateway over Kafka.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/parcel-tracking/internal/models"
)

var ErrInvalidEvent = errors.New("invalid location event")

// LocationEvent is one courier position report for a job.
type LocationEvent struct {
	JobID     string    `json:"job_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e LocationEvent) Position() models.CourierPosition {
	return models.CourierPosition{
		GeoPoint:  models.GeoPoint{Lat: e.Lat, Lng: e.Lng},
		Name:      e.Name,
		Timestamp: e.Timestamp,
	}
}

// DecodeEvent parses and checks a message value. Events without a job or
// with the (0,0) sentinel are rejected.
func DecodeEvent(b []byte) (LocationEvent, error) {
	var e LocationEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return LocationEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if e.JobID == "" {
		return LocationEvent{}, fmt.Errorf("%w: missing job_id", ErrInvalidEvent)
	}
	if !e.Position().Valid() {
		return LocationEvent{}, fmt.Errorf("%w: no position for job %s", ErrInvalidEvent, e.JobID)
	}
	return e, nil
}
