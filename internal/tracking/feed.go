// Package tracking keeps a screen's view of one job's positions current.
//
// A Feed owns at most one Subscription per job. Live jobs (picking,
// delivering) are polled on a fixed interval; other active jobs are fetched
// once; finished jobs are never fetched. Courier positions pushed over the
// realtime channel are folded into the same snapshot stream through
// ApplyCourier, so consumers never care where an update came from.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/parcel-tracking/internal/clock"
	"github.com/example/parcel-tracking/internal/logging"
	"github.com/example/parcel-tracking/internal/models"
	"github.com/example/parcel-tracking/internal/observability"
)

const DefaultInterval = 10 * time.Second

// ErrStopped is returned by RefreshNow on a stopped or no-op subscription.
var ErrStopped = errors.New("tracking subscription stopped")

// Fetcher reads the current tracking state of a job from the backend.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, jobID string) (models.TrackingSnapshot, error)
}

type FetcherFunc func(ctx context.Context, jobID string) (models.TrackingSnapshot, error)

func (f FetcherFunc) FetchSnapshot(ctx context.Context, jobID string) (models.TrackingSnapshot, error) {
	return f(ctx, jobID)
}

// Update is delivered to a subscription's handler. Err is set only once, for
// a permanent failure, after which the subscription is stopped.
type Update struct {
	JobID    string
	Snapshot models.TrackingSnapshot
	Err      error
}

type Handler func(Update)

type Options struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Feed struct {
	fetcher  Fetcher
	interval time.Duration
	clock    clock.Clock
	log      *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewFeed(fetcher Fetcher, opts Options) *Feed {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Feed{
		fetcher:  fetcher,
		interval: opts.Interval,
		clock:    opts.Clock,
		log:      logging.OrNop(opts.Logger).With("component", "location_feed"),
		subs:     make(map[string]*Subscription),
	}
}

// Start subscribes handler to jobID. A previous subscription for the same job
// is stopped and replaced. For a terminal statusHint the returned handle is
// inert: nothing is fetched and handler is never called.
//
// Handlers run one at a time per subscription and must not call Stop on
// their own subscription synchronously.
func (f *Feed) Start(jobID string, statusHint models.JobStatus, handler Handler) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		feed:    f,
		jobID:   jobID,
		handler: handler,
		poll:    statusHint.Live(),
		ctx:     ctx,
		cancel:  cancel,
	}
	if handler == nil {
		sub.handler = func(Update) {}
	}

	f.mu.Lock()
	prev := f.subs[jobID]
	if !statusHint.Terminal() {
		f.subs[jobID] = sub
		if prev == nil {
			observability.FeedSubscriptions.Inc()
		}
	}
	f.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	if statusHint.Terminal() {
		f.log.Debug("not tracking finished job", "job_id", jobID, "status", statusHint)
		sub.stopped = true
		cancel()
		return sub
	}

	f.log.Debug("tracking started", "job_id", jobID, "status", statusHint, "poll", sub.poll)
	sub.mu.Lock()
	sub.timer = f.clock.AfterFunc(0, sub.tick)
	sub.mu.Unlock()
	return sub
}

// Stop is equivalent to sub.Stop.
func (f *Feed) Stop(sub *Subscription) {
	if sub != nil {
		sub.Stop()
	}
}

// Subscription returns the live subscription for jobID, if any.
func (f *Feed) Subscription(jobID string) (*Subscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[jobID]
	return s, ok
}

// Active returns the number of live subscriptions.
func (f *Feed) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close stops every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.Stop()
	}
}

func (f *Feed) release(s *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[s.jobID] == s {
		delete(f.subs, s.jobID)
		observability.FeedSubscriptions.Dec()
	}
}
