package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/parcel-tracking/internal/ingest"
	"github.com/example/parcel-tracking/internal/logging"
	"github.com/example/parcel-tracking/internal/models"
)

// fakeWriter implements PositionWriter for tests
type fakeWriter struct {
	fail  int // number of times to fail before succeeding
	calls int
	got   map[string]models.CourierPosition
}

func (f *fakeWriter) UpsertContext(ctx context.Context, jobID string, pos models.CourierPosition) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("redis fail")
	}
	if f.got == nil {
		f.got = make(map[string]models.CourierPosition)
	}
	f.got[jobID] = pos
	return nil
}

var event = ingest.LocationEvent{JobID: "j1", Lat: -1.29, Lng: 36.81, Name: "Otieno", Timestamp: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeWriter{fail: 2}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, event, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
	if f.got["j1"].Name != "Otieno" {
		t.Fatalf("unexpected stored position %+v", f.got["j1"])
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeWriter{fail: 5}
	if err := updateRedisWithRetry(context.Background(), f, event, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeWriter{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := updateRedisWithRetry(ctx, f, event, 3, time.Hour); err == nil {
		t.Fatal("expected error")
	}
	if f.calls != 1 {
		t.Fatalf("expected no retries after cancel, got %d calls", f.calls)
	}
}

type scriptedSource struct {
	items  []any // ingest.LocationEvent or error
	cancel context.CancelFunc
}

func (s *scriptedSource) Next(ctx context.Context) (ingest.LocationEvent, error) {
	if len(s.items) == 0 {
		s.cancel()
		return ingest.LocationEvent{}, ctx.Err()
	}
	it := s.items[0]
	s.items = s.items[1:]
	if err, ok := it.(error); ok {
		return ingest.LocationEvent{}, err
	}
	return it.(ingest.LocationEvent), nil
}

func TestConsumeSkipsInvalidEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	other := event
	other.JobID = "j2"
	src := &scriptedSource{
		items:  []any{event, ingest.ErrInvalidEvent, other},
		cancel: cancel,
	}
	w := &fakeWriter{}
	consume(ctx, src, w, logging.Nop())

	if len(w.got) != 2 {
		t.Fatalf("expected both valid events stored, got %v", w.got)
	}
}
