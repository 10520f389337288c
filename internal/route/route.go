// Package route turns a tracking snapshot into render instructions: which
// markers to draw, which leg of the trip matters right now, and where to
// point the map. Project is pure so screens can call it on every update.
package route

import (
	"github.com/example/parcel-tracking/internal/geo"
	"github.com/example/parcel-tracking/internal/models"
)

const (
	// PaddingFactor grows the marker bounding box by this share of its span
	// on every side.
	PaddingFactor = 0.1
	// MinPaddingDeg keeps near-coincident markers from producing a zero-area box.
	MinPaddingDeg = 0.002

	DefaultZoom  = 16
	FallbackZoom = 13
)

// FallbackCenter is used when a snapshot has no valid point at all.
var FallbackCenter = models.GeoPoint{Lat: -1.2921, Lng: 36.8219}

type MarkerKind string

const (
	MarkerPickup   MarkerKind = "pickup"
	MarkerDelivery MarkerKind = "delivery"
	MarkerCourier  MarkerKind = "courier"
)

type Marker struct {
	Kind     MarkerKind      `json:"kind"`
	Position models.GeoPoint `json:"position"`
	Title    string          `json:"title"`
}

// Leg is the single origin->destination pair currently worth drawing.
type Leg struct {
	From           models.GeoPoint `json:"from"`
	To             models.GeoPoint `json:"to"`
	FromKind       MarkerKind      `json:"from_kind"`
	ToKind         MarkerKind      `json:"to_kind"`
	DistanceMeters float64         `json:"distance_m"`
}

// Viewport is either a padded bounding box or, with fewer than two markers,
// a center and zoom level.
type Viewport struct {
	Bounds *geo.Bounds     `json:"bounds,omitempty"`
	Center models.GeoPoint `json:"center"`
	Zoom   int             `json:"zoom,omitempty"`
}

type RenderPlan struct {
	Markers  []Marker `json:"markers"`
	Leg      *Leg     `json:"route_leg"`
	Viewport Viewport `json:"viewport"`
	Caption  string   `json:"caption,omitempty"`
}

// Project derives the render plan for s. It has no side effects.
func Project(s models.TrackingSnapshot) RenderPlan {
	var plan RenderPlan

	if s.Pickup.Valid() {
		plan.Markers = append(plan.Markers, Marker{Kind: MarkerPickup, Position: s.Pickup.GeoPoint, Title: titleOr(s.Pickup.Address, "Pickup location")})
	}
	if s.Delivery.Valid() {
		plan.Markers = append(plan.Markers, Marker{Kind: MarkerDelivery, Position: s.Delivery.GeoPoint, Title: titleOr(s.Delivery.Address, "Delivery location")})
	}
	hasCourier := s.Courier != nil && s.Courier.Valid()
	if hasCourier {
		plan.Markers = append(plan.Markers, Marker{Kind: MarkerCourier, Position: s.Courier.GeoPoint, Title: "Courier: " + s.Courier.Name})
	}

	plan.Leg = selectLeg(s, hasCourier)
	plan.Viewport = viewport(plan.Markers)
	plan.Caption = caption(s.Status, hasCourier)
	return plan
}

func selectLeg(s models.TrackingSnapshot, hasCourier bool) *Leg {
	var leg Leg
	switch {
	case hasCourier && s.Status == models.StatusPicking:
		leg = Leg{From: s.Courier.GeoPoint, FromKind: MarkerCourier, To: s.Pickup.GeoPoint, ToKind: MarkerPickup}
	case hasCourier:
		leg = Leg{From: s.Courier.GeoPoint, FromKind: MarkerCourier, To: s.Delivery.GeoPoint, ToKind: MarkerDelivery}
	default:
		leg = Leg{From: s.Pickup.GeoPoint, FromKind: MarkerPickup, To: s.Delivery.GeoPoint, ToKind: MarkerDelivery}
	}
	if !leg.From.Valid() || !leg.To.Valid() {
		return nil
	}
	leg.DistanceMeters = geo.Haversine(leg.From, leg.To)
	return &leg
}

func viewport(markers []Marker) Viewport {
	switch len(markers) {
	case 0:
		return Viewport{Center: FallbackCenter, Zoom: FallbackZoom}
	case 1:
		return Viewport{Center: markers[0].Position, Zoom: DefaultZoom}
	}
	var b geo.Bounds
	for _, m := range markers {
		b.Extend(m.Position)
	}
	padded := b.Pad(PaddingFactor, MinPaddingDeg)
	return Viewport{Bounds: &padded, Center: padded.Center()}
}

func caption(status models.JobStatus, hasCourier bool) string {
	switch {
	case hasCourier && status == models.StatusPicking:
		return "Courier is heading to pickup location"
	case hasCourier && status == models.StatusDelivering:
		return "Courier is delivering your parcel"
	case !hasCourier && status == models.StatusProcessing:
		return "Waiting for a courier to accept your job"
	}
	return ""
}

func titleOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
