package eta

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/parcel-tracking/internal/models"
)

// GoogleClient estimates with the Google Directions API.
type GoogleClient struct {
	client *maps.Client
}

func NewGoogleClient(apiKey string, opts ...maps.ClientOption) (*GoogleClient, error) {
	c, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &GoogleClient{client: c}, nil
}

func (g *GoogleClient) EstimateSeconds(ctx context.Context, from, to models.GeoPoint) (float64, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("maps directions: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, errors.New("maps directions: no route found")
	}
	return routes[0].Legs[0].Duration.Seconds(), nil
}

func latLng(p models.GeoPoint) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}
