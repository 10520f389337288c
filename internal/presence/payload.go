package presence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/parcel-tracking/internal/models"
)

const TypeNewJob = "new_job"

// Payload is an inbound push message as handed over by the platform: the
// string data map plus the optional visible notification.
type Payload struct {
	Title string
	Body  string
	Data  map[string]string
}

// Notice is any push that is not a job offer.
type Notice struct {
	Type  string
	Title string
	Body  string
	Data  map[string]string
}

var validate = validator.New()

// parseOffer reads a new_job data map. expires_at is optional; when missing
// the offer lives for ttl from now.
func parseOffer(data map[string]string, now time.Time, ttl time.Duration) (models.JobOffer, error) {
	offer := models.JobOffer{
		JobID:           strings.TrimSpace(data["job_id"]),
		Name:            strings.TrimSpace(data["name"]),
		Description:     data["description"],
		PickupAddress:   data["pickup_address"],
		DeliveryAddress: data["delivery_address"],
	}
	var err error
	if offer.DistanceKm, err = number(data, "distance_km", "distance"); err != nil {
		return offer, err
	}
	if offer.DurationMin, err = number(data, "duration_min", "duration"); err != nil {
		return offer, err
	}
	if offer.Price, err = number(data, "price"); err != nil {
		return offer, err
	}
	if v := data["expires_at"]; v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return offer, fmt.Errorf("invalid expires_at: %w", err)
		}
		offer.ExpiresAt = at
	}
	if offer.ExpiresAt.IsZero() {
		offer.ExpiresAt = now.Add(ttl)
	}
	if err := validate.Struct(offer); err != nil {
		return offer, fmt.Errorf("invalid job offer: %w", err)
	}
	return offer, nil
}

func number(data map[string]string, keys ...string) (float64, error) {
	for _, k := range keys {
		v := strings.TrimSpace(data[k])
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", k, err)
		}
		return f, nil
	}
	return 0, nil
}
