package geo

import (
	"math"

	"github.com/example/parcel-tracking/internal/models"
)

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(a, b models.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// Bounds is an axis-aligned lat/lng box. The zero value is empty.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
	set   bool
}

// Extend grows b to contain p. Sentinel or non-finite points are ignored.
func (b *Bounds) Extend(p models.GeoPoint) {
	if !p.Valid() {
		return
	}
	if !b.set {
		*b = Bounds{North: p.Lat, South: p.Lat, East: p.Lng, West: p.Lng, set: true}
		return
	}
	b.North = math.Max(b.North, p.Lat)
	b.South = math.Min(b.South, p.Lat)
	b.East = math.Max(b.East, p.Lng)
	b.West = math.Min(b.West, p.Lng)
}

func (b Bounds) Empty() bool { return !b.set }

func (b Bounds) Center() models.GeoPoint {
	return models.GeoPoint{Lat: (b.North + b.South) / 2, Lng: (b.East + b.West) / 2}
}

// Pad expands each side by factor of the box's span, never by less than minDeg.
func (b Bounds) Pad(factor, minDeg float64) Bounds {
	if !b.set {
		return b
	}
	latPad := math.Max((b.North-b.South)*factor, minDeg)
	lngPad := math.Max((b.East-b.West)*factor, minDeg)
	return Bounds{
		North: math.Min(b.North+latPad, 90),
		South: math.Max(b.South-latPad, -90),
		East:  b.East + lngPad,
		West:  b.West - lngPad,
		set:   true,
	}
}

// Contains reports whether p lies inside b.
func (b Bounds) Contains(p models.GeoPoint) bool {
	return b.set && p.Lat <= b.North && p.Lat >= b.South && p.Lng <= b.East && p.Lng >= b.West
}
