package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/parcel-tracking/internal/clock"
	"github.com/example/parcel-tracking/internal/models"
	"github.com/example/parcel-tracking/internal/route"
	"github.com/example/parcel-tracking/internal/tracking"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakePublic struct {
	pin string
	pt  models.PublicTracking
	err error
}

func (f *fakePublic) FetchPublic(_ context.Context, code, pin string) (models.PublicTracking, error) {
	if f.err != nil {
		return models.PublicTracking{}, f.err
	}
	if f.pin != "" && pin != f.pin {
		return models.PublicTracking{}, models.ErrPinRequired
	}
	pt := f.pt
	pt.Code = code
	return pt, nil
}

type fakeSnapshots struct {
	mu   sync.Mutex
	snap models.TrackingSnapshot
}

func (f *fakeSnapshots) set(s models.TrackingSnapshot) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

func (f *fakeSnapshots) FetchSnapshot(context.Context, string) (models.TrackingSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}

type fixedETA float64

func (e fixedETA) EstimateSeconds(context.Context, models.GeoPoint, models.GeoPoint) (float64, error) {
	return float64(e), nil
}

func publicView(status models.JobStatus) models.PublicTracking {
	return models.PublicTracking{
		JobID:           "j-1",
		Status:          status,
		StatusDisplay:   status.Display(),
		PickupAddress:   "Moi Avenue",
		DeliveryAddress: "Ngong Road",
		CourierName:     "Achieng",
	}
}

func snapshot(status models.JobStatus) models.TrackingSnapshot {
	return models.TrackingSnapshot{
		JobID:     "j-1",
		Pickup:    models.NamedPoint{GeoPoint: models.GeoPoint{Lat: -1.28, Lng: 36.82}, Address: "Moi Avenue"},
		Delivery:  models.NamedPoint{GeoPoint: models.GeoPoint{Lat: -1.30, Lng: 36.80}, Address: "Ngong Road"},
		Courier:   &models.CourierPosition{GeoPoint: models.GeoPoint{Lat: -1.29, Lng: 36.81}, Name: "Achieng"},
		Status:    status,
		FetchedAt: now,
	}
}

func decodeView(t *testing.T, b []byte) TrackingView {
	t.Helper()
	var v TrackingView
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode view: %v (%s)", err, b)
	}
	return v
}

func hasCourierMarker(p *route.RenderPlan) bool {
	for _, m := range p.Markers {
		if m.Kind == route.MarkerCourier {
			return true
		}
	}
	return false
}

func TestTrackDeliveringJob(t *testing.T) {
	s := NewServer(Options{
		Public:    &fakePublic{pt: publicView(models.StatusDelivering)},
		Snapshots: &fakeSnapshots{snap: snapshot(models.StatusDelivering)},
		ETA:       fixedETA(600),
		Clock:     clock.NewFake(now),
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/track/abc123", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	v := decodeView(t, rec.Body.Bytes())
	if v.Code != "ABC123" {
		t.Fatalf("expected upper-cased code, got %q", v.Code)
	}
	if v.CurrentLocation == nil || v.CurrentLocation.Lat != -1.29 {
		t.Fatalf("expected courier location while delivering, got %+v", v.CurrentLocation)
	}
	if v.EstimatedArrival == nil || !v.EstimatedArrival.Equal(now.Add(10*time.Minute)) {
		t.Fatalf("unexpected arrival %v", v.EstimatedArrival)
	}
	if v.Plan == nil || !hasCourierMarker(v.Plan) || v.Plan.Leg == nil {
		t.Fatalf("expected plan with courier leg, got %+v", v.Plan)
	}
	if v.Plan.Leg.ToKind != route.MarkerDelivery {
		t.Fatalf("expected leg towards delivery, got %s", v.Plan.Leg.ToKind)
	}
}

func TestTrackHidesCourierBeforeDelivery(t *testing.T) {
	s := NewServer(Options{
		Public:    &fakePublic{pt: publicView(models.StatusPicking)},
		Snapshots: &fakeSnapshots{snap: snapshot(models.StatusPicking)},
		ETA:       fixedETA(600),
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/track/ABC123", nil))

	v := decodeView(t, rec.Body.Bytes())
	if v.CurrentLocation != nil || v.EstimatedArrival != nil {
		t.Fatalf("courier details leaked while picking: %+v", v)
	}
	if v.Plan == nil || hasCourierMarker(v.Plan) {
		t.Fatalf("courier marker leaked while picking: %+v", v.Plan)
	}
	if strings.Contains(rec.Body.String(), "job_id") {
		t.Fatal("internal job id exposed")
	}
}

func TestTrackErrors(t *testing.T) {
	tests := []struct {
		name   string
		src    *fakePublic
		url    string
		status int
	}{
		{"pin required", &fakePublic{pin: "1234", pt: publicView(models.StatusPicking)}, "/api/v1/track/ABC", http.StatusUnauthorized},
		{"wrong pin", &fakePublic{pin: "1234", pt: publicView(models.StatusPicking)}, "/api/v1/track/ABC?pin=9999", http.StatusUnauthorized},
		{"right pin", &fakePublic{pin: "1234", pt: publicView(models.StatusPicking)}, "/api/v1/track/ABC?pin=1234", http.StatusOK},
		{"not found", &fakePublic{err: models.ErrJobNotFound}, "/api/v1/track/ABC", http.StatusNotFound},
		{"gone", &fakePublic{err: models.ErrTrackingGone}, "/api/v1/track/ABC", http.StatusGone},
		{"backend down", &fakePublic{err: errors.New("connection refused")}, "/api/v1/track/ABC", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Options{Public: tt.src})
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body)
			}
			if tt.status == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), `"requires_pin":true`) {
				t.Fatalf("expected requires_pin flag, got %s", rec.Body)
			}
		})
	}
}

func TestReady(t *testing.T) {
	healthy := true
	s := NewServer(Options{
		Public: &fakePublic{},
		Ready: []ReadyCheck{{Name: "redis", Check: func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("dial tcp: refused")
		}}},
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
	healthy = false
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestLiveTrackingStream(t *testing.T) {
	fc := clock.NewFake(now)
	snaps := &fakeSnapshots{snap: snapshot(models.StatusDelivering)}
	feed := tracking.NewFeed(snaps, tracking.Options{Interval: 10 * time.Second, Clock: fc})
	finished := make(chan string, 4)
	s := NewServer(Options{
		Public: &fakePublic{pt: publicView(models.StatusDelivering)},
		Feed:   feed,
		Clock:  fc,
		Finished: func(_ context.Context, jobID string) error {
			finished <- jobID
			return nil
		},
	})
	defer s.Close()

	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/track/abc123"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() TrackingView {
		t.Helper()
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return decodeView(t, b)
	}

	if first := read(); first.Plan != nil || first.Code != "ABC123" {
		t.Fatalf("expected public fields before the first fetch, got %+v", first)
	}

	if !fc.WaitPending(1, time.Second) {
		t.Fatal("feed never scheduled its first fetch")
	}
	fc.Advance(0)
	if v := read(); v.Plan == nil || v.CurrentLocation == nil {
		t.Fatalf("expected live view, got %+v", v)
	}
	if n := s.hub.Viewers("j-1"); n != 1 {
		t.Fatalf("expected one viewer, got %d", n)
	}

	snaps.set(snapshot(models.StatusCompleted))
	fc.Advance(10 * time.Second)
	if v := read(); v.Status != models.StatusCompleted || v.CurrentLocation != nil {
		t.Fatalf("expected completed view without location, got %+v", v)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close after completion, got %v", err)
	}
	select {
	case id := <-finished:
		if id != "j-1" {
			t.Fatalf("finished hook got job %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("finished hook not called for completed job")
	}

	deadline := time.Now().Add(2 * time.Second)
	for feed.Active() != 0 || s.hub.Viewers("j-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not released: active=%d viewers=%d", feed.Active(), s.hub.Viewers("j-1"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
