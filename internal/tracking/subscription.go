package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/parcel-tracking/internal/clock"
	"github.com/example/parcel-tracking/internal/models"
	"github.com/example/parcel-tracking/internal/observability"
)

// Subscription is the handle returned by Feed.Start.
type Subscription struct {
	feed    *Feed
	jobID   string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	// deliverMu serialises handler calls and lets Stop wait for one in flight.
	deliverMu sync.Mutex

	mu        sync.Mutex
	poll      bool
	stopped   bool
	timer     clock.Timer
	issued    uint64
	published uint64
	last      *models.TrackingSnapshot
}

func (s *Subscription) JobID() string { return s.jobID }

// Last returns the most recently published snapshot.
func (s *Subscription) Last() (models.TrackingSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return models.TrackingSnapshot{}, false
	}
	return *s.last, true
}

// Stopped reports whether the subscription will deliver no more updates.
func (s *Subscription) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Polling reports whether a recurring fetch is still scheduled.
func (s *Subscription) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped && s.poll
}

// Stop cancels the schedule and any fetch in flight. It is safe to call more
// than once and from any goroutine other than the handler's; once it returns
// the handler is not called again.
func (s *Subscription) Stop() {
	s.mu.Lock()
	already := s.stopped
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if already {
		return
	}
	s.feed.release(s)
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
	s.feed.log.Debug("tracking stopped", "job_id", s.jobID)
}

// RefreshNow fetches outside the regular schedule and returns the newest
// published snapshot. A transient failure is returned together with the last
// good snapshot; the schedule is untouched either way.
func (s *Subscription) RefreshNow(ctx context.Context) (models.TrackingSnapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := s.fetch(ctx); err != nil {
		last, _ := s.Last()
		return last, err
	}
	last, ok := s.Last()
	if !ok {
		return last, ErrStopped
	}
	return last, nil
}

// ApplyCourier publishes the last snapshot with its courier replaced by pos.
// It reports false when there is no snapshot to amend yet or the
// subscription is stopped.
func (s *Subscription) ApplyCourier(pos models.CourierPosition) bool {
	s.mu.Lock()
	if s.stopped || s.last == nil {
		s.mu.Unlock()
		return false
	}
	base := *s.last
	s.issued++
	seq := s.issued
	s.mu.Unlock()

	at := pos.Timestamp
	if at.IsZero() {
		at = s.feed.clock.Now()
	}
	return s.publish(seq, base.WithCourier(pos, at))
}

func (s *Subscription) tick() {
	s.mu.Lock()
	s.timer = nil
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	_ = s.fetch(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.poll || s.timer != nil {
		return
	}
	s.timer = s.feed.clock.AfterFunc(s.feed.interval, s.tick)
}

// fetch runs one request and publishes its result unless a newer one has
// been published meanwhile.
func (s *Subscription) fetch(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.issued++
	seq := s.issued
	s.mu.Unlock()

	log := s.feed.log.With("job_id", s.jobID, "seq", seq)
	start := s.feed.clock.Now()
	snap, err := s.feed.fetcher.FetchSnapshot(ctx, s.jobID)
	observability.FeedFetchLatency.Observe(s.feed.clock.Now().Sub(start).Seconds())

	if err != nil {
		switch {
		case models.Permanent(err):
			observability.FeedFetchesTotal.WithLabelValues("permanent").Inc()
			log.Warn("tracking fetch failed permanently", "error", err)
			s.fail(err)
		case errors.Is(err, context.Canceled) && s.Stopped():
			return ErrStopped
		default:
			observability.FeedFetchesTotal.WithLabelValues("transient").Inc()
			log.Warn("tracking fetch failed, keeping last snapshot", "error", err)
		}
		return fmt.Errorf("fetch snapshot %s: %w", s.jobID, err)
	}
	observability.FeedFetchesTotal.WithLabelValues("ok").Inc()

	if snap.JobID == "" {
		snap.JobID = s.jobID
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = s.feed.clock.Now()
	}
	snap.Normalize()
	if !s.publish(seq, snap) {
		log.Debug("discarded stale snapshot")
	}
	return nil
}

func (s *Subscription) publish(seq uint64, snap models.TrackingSnapshot) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.stopped || seq <= s.published {
		s.mu.Unlock()
		return false
	}
	s.published = seq
	s.last = &snap
	if snap.Status.Terminal() && s.poll {
		s.poll = false
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.feed.log.Debug("job finished, polling halted", "job_id", s.jobID, "status", snap.Status)
	}
	s.mu.Unlock()

	s.handler(Update{JobID: s.jobID, Snapshot: snap})
	return true
}

func (s *Subscription) fail(err error) {
	s.deliverMu.Lock()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.deliverMu.Unlock()
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	var last models.TrackingSnapshot
	if s.last != nil {
		last = *s.last
	}
	s.mu.Unlock()

	s.handler(Update{JobID: s.jobID, Snapshot: last, Err: err})
	s.deliverMu.Unlock()

	s.cancel()
	s.feed.release(s)
}
