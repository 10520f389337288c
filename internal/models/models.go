package models

import (
	"math"
	"time"
)

// GeoPoint is a WGS84 coordinate. (0,0) means "no location set".
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether p is a finite coordinate that is not the (0,0) sentinel.
func (p GeoPoint) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat != 0 || p.Lng != 0
}

type NamedPoint struct {
	GeoPoint
	Address string `json:"address"`
}

type CourierPosition struct {
	GeoPoint
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

type JobStatus string

const (
	StatusCreating   JobStatus = "creating"
	StatusProcessing JobStatus = "processing"
	StatusPicking    JobStatus = "picking"
	StatusDelivering JobStatus = "delivering"
	StatusCompleted  JobStatus = "completed"
	StatusCancelled  JobStatus = "cancelled"
)

var statusDisplay = map[JobStatus]string{
	StatusCreating:   "Creating",
	StatusProcessing: "Processing",
	StatusPicking:    "Picking",
	StatusDelivering: "Delivering",
	StatusCompleted:  "Completed",
	StatusCancelled:  "Cancelled",
}

// ParseJobStatus accepts the backend's lowercase status names.
func ParseJobStatus(s string) (JobStatus, bool) {
	st := JobStatus(s)
	_, ok := statusDisplay[st]
	return st, ok
}

// Terminal statuses never change again; live updates stop once reached.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Live reports whether a courier is on the move for this job.
func (s JobStatus) Live() bool {
	return s == StatusPicking || s == StatusDelivering
}

func (s JobStatus) Active() bool {
	_, known := statusDisplay[s]
	return known && !s.Terminal()
}

func (s JobStatus) Display() string {
	if d, ok := statusDisplay[s]; ok {
		return d
	}
	return string(s)
}

// TrackingSnapshot is a point-in-time read of a job's tracking state.
type TrackingSnapshot struct {
	JobID     string           `json:"job_id"`
	Pickup    NamedPoint       `json:"pickup"`
	Delivery  NamedPoint       `json:"delivery"`
	Courier   *CourierPosition `json:"courier,omitempty"`
	Status    JobStatus        `json:"status"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// Normalize drops a courier reported for a job that has not been matched yet.
func (s *TrackingSnapshot) Normalize() {
	if s.Status == StatusCreating || s.Status == StatusProcessing {
		if s.Courier != nil && !s.Courier.Valid() {
			s.Courier = nil
		}
	}
}

// WithCourier returns a copy of s with the courier replaced.
func (s TrackingSnapshot) WithCourier(pos CourierPosition, at time.Time) TrackingSnapshot {
	if s.Courier != nil && pos.Name == "" {
		pos.Name = s.Courier.Name
	}
	s.Courier = &pos
	s.FetchedAt = at
	return s
}

type ChatMessage struct {
	ID      string    `json:"id"`
	JobID   string    `json:"job_id"`
	Sender  string    `json:"sender"`
	Content string    `json:"content"`
	Quick   bool      `json:"is_quick_message"`
	SentAt  time.Time `json:"sent_at"`
}

// JobOffer is a time-boxed proposal of a job to a courier.
type JobOffer struct {
	JobID           string    `json:"job_id" validate:"required"`
	Name            string    `json:"name" validate:"required"`
	Description     string    `json:"description,omitempty"`
	PickupAddress   string    `json:"pickup_address"`
	DeliveryAddress string    `json:"delivery_address"`
	DistanceKm      float64   `json:"distance_km" validate:"gte=0"`
	DurationMin     float64   `json:"duration_min" validate:"gte=0"`
	Price           float64   `json:"price" validate:"gte=0"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Earnings is the courier's share of the offer price for the given split.
func (o JobOffer) Earnings(split float64) float64 {
	return math.Round(o.Price*split*100) / 100
}

// MessageKind discriminates ChannelMessage variants.
type MessageKind string

const (
	KindLocation MessageKind = "location"
	KindChat     MessageKind = "chat"
	KindPresence MessageKind = "presence"
	KindUnread   MessageKind = "unread"
)

// ChannelMessage is the realtime wire unit. Exactly one payload field is set,
// selected by Kind.
type ChannelMessage struct {
	Kind    MessageKind      `json:"kind"`
	JobID   string           `json:"job_id,omitempty"`
	Courier *CourierPosition `json:"courier,omitempty"`
	Message *ChatMessage     `json:"message,omitempty"`
	Job     *JobOffer        `json:"job,omitempty"`
	Unread  *int             `json:"unread,omitempty"`
}

// PublicTracking is what an unauthenticated viewer of a short tracking code
// may see. It never carries contact details.
type PublicTracking struct {
	Code             string     `json:"code"`
	JobID            string     `json:"-"`
	Status           JobStatus  `json:"status"`
	StatusDisplay    string     `json:"status_display"`
	PickupAddress    string     `json:"pickup_address"`
	DeliveryAddress  string     `json:"delivery_address"`
	CourierName      string     `json:"courier_name,omitempty"`
	CourierRating    *float64   `json:"courier_rating,omitempty"`
	CurrentLocation  *GeoPoint  `json:"current_location,omitempty"`
	EstimatedArrival *time.Time `json:"estimated_arrival,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
