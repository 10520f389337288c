// Package presence handles the courier side of job offers: push token
// registration, inbound offer parsing and the offer decision lifecycle.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/parcel-tracking/internal/clock"
	"github.com/example/parcel-tracking/internal/logging"
	"github.com/example/parcel-tracking/internal/models"
	"github.com/example/parcel-tracking/internal/observability"
)

const (
	DefaultOfferTTL      = 60 * time.Second
	DefaultEarningsSplit = 0.8
)

// Platform is the device side of push: permission prompt and token.
type Platform interface {
	RequestPermission(ctx context.Context) (bool, error)
	Token(ctx context.Context) (string, error)
}

// Registrar subscribes a token with the push provider.
type Registrar interface {
	Register(ctx context.Context, token string) error
}

// TokenSink stores the token with the backend so it can target this courier.
type TokenSink interface {
	RegisterPushToken(ctx context.Context, token string) error
}

type Acceptor interface {
	AcceptJob(ctx context.Context, jobID string) error
}

type Decision string

const (
	Accept  Decision = "accept"
	Decline Decision = "decline"
	View    Decision = "view"
)

type OfferState string

const (
	Offered  OfferState = "offered"
	Accepted OfferState = "accepted"
	Declined OfferState = "declined"
	Expired  OfferState = "expired"
)

// Offer is what handlers see: the job plus its current lifecycle state.
type Offer struct {
	models.JobOffer
	State    OfferState
	Earnings float64
}

// AcceptError reports a rejected accept. The offer stays live unless it
// expired meanwhile.
type AcceptError struct {
	JobID  string
	Reason string
	Err    error
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("accept job %s: %s", e.JobID, e.Reason)
}

func (e *AcceptError) Unwrap() error { return e.Err }

type Options struct {
	Platform      Platform
	Registrar     Registrar
	TokenSink     TokenSink
	Acceptor      Acceptor
	Clock         clock.Clock
	OfferTTL      time.Duration
	EarningsSplit float64
	Logger        *slog.Logger
}

type offerEntry struct {
	offer     models.JobOffer
	state     OfferState
	timer     clock.Timer
	accepting bool
	// expiry fell due while an accept was in flight
	expireAfterAccept bool
}

type Notifier struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	offers   map[string]*offerEntry
	nextID   int
	onOffer  map[int]func(Offer)
	onNotice map[int]func(Notice)
	order    []int
}

func NewNotifier(opts Options) *Notifier {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.OfferTTL <= 0 {
		opts.OfferTTL = DefaultOfferTTL
	}
	if opts.EarningsSplit <= 0 {
		opts.EarningsSplit = DefaultEarningsSplit
	}
	return &Notifier{
		opts:     opts,
		log:      logging.OrNop(opts.Logger).With("component", "presence"),
		offers:   make(map[string]*offerEntry),
		onOffer:  make(map[int]func(Offer)),
		onNotice: make(map[int]func(Notice)),
	}
}

// RequestPermission asks the platform for push permission, fetches the token
// and registers it. Any failure yields ("", false).
func (n *Notifier) RequestPermission(ctx context.Context) (string, bool) {
	if n.opts.Platform == nil {
		n.log.Warn("push unavailable: no platform")
		return "", false
	}
	granted, err := n.opts.Platform.RequestPermission(ctx)
	if err != nil || !granted {
		n.log.Warn("push permission not granted", "error", err)
		return "", false
	}
	token, err := n.opts.Platform.Token(ctx)
	if err != nil || token == "" {
		n.log.Warn("push token unavailable", "error", err)
		return "", false
	}
	if n.opts.Registrar != nil {
		if err := n.opts.Registrar.Register(ctx, token); err != nil {
			n.log.Warn("push registration failed", "error", err)
			return "", false
		}
	}
	if n.opts.TokenSink != nil {
		if err := n.opts.TokenSink.RegisterPushToken(ctx, token); err != nil {
			n.log.Warn("storing push token failed", "error", err)
			return "", false
		}
	}
	n.log.Info("push registered")
	return token, true
}

// OnOffer registers fn for new offers and every later state change.
func (n *Notifier) OnOffer(fn func(Offer)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.onOffer[id] = fn
	n.order = append(n.order, id)
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.onOffer, id)
	}
}

func (n *Notifier) OnNotice(fn func(Notice)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.onNotice[id] = fn
	n.order = append(n.order, id)
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.onNotice, id)
	}
}

// Deliver is the inbound hook for the push provider.
func (n *Notifier) Deliver(p Payload) {
	kind := p.Data["type"]
	if kind != TypeNewJob {
		n.emitNotice(Notice{Type: kind, Title: p.Title, Body: p.Body, Data: p.Data})
		return
	}
	offer, err := parseOffer(p.Data, n.opts.Clock.Now(), n.opts.OfferTTL)
	if err != nil {
		n.log.Warn("dropping malformed job offer", "error", err)
		return
	}
	n.DeliverOffer(offer)
}

// DeliverOffer registers an already decoded offer, e.g. one received over
// the realtime channel. A repeat of a live offer is ignored.
func (n *Notifier) DeliverOffer(offer models.JobOffer) {
	now := n.opts.Clock.Now()
	if offer.ExpiresAt.IsZero() {
		offer.ExpiresAt = now.Add(n.opts.OfferTTL)
	}
	if err := validate.Struct(offer); err != nil {
		n.log.Warn("dropping invalid job offer", "job_id", offer.JobID, "error", err)
		return
	}
	if !now.Before(offer.ExpiresAt) {
		n.log.Info("dropping job offer past its deadline", "job_id", offer.JobID, "expires_at", offer.ExpiresAt)
		return
	}

	n.mu.Lock()
	n.pruneLocked(now)
	if e, ok := n.offers[offer.JobID]; ok && e.state == Offered {
		n.mu.Unlock()
		n.log.Debug("duplicate offer ignored", "job_id", offer.JobID)
		return
	}
	e := &offerEntry{offer: offer, state: Offered}
	n.offers[offer.JobID] = e
	jobID := offer.JobID
	e.timer = n.opts.Clock.AfterFunc(offer.ExpiresAt.Sub(now), func() { n.expire(jobID, e) })
	n.mu.Unlock()

	observability.OffersTotal.WithLabelValues(string(Offered)).Inc()
	n.log.Info("job offered", "job_id", jobID, "expires_at", offer.ExpiresAt)
	n.emitOffer(n.view(offer, Offered))
}

// Offer returns the current state of a known offer.
func (n *Notifier) Offer(jobID string) (Offer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.offers[jobID]
	if !ok {
		return Offer{}, false
	}
	return n.view(e.offer, e.state), true
}

// Acknowledge applies the courier's decision. Accept calls the backend once
// and is never retried.
func (n *Notifier) Acknowledge(ctx context.Context, jobID string, d Decision) error {
	log := n.log.With("job_id", jobID, "decision", d)

	n.mu.Lock()
	e, ok := n.offers[jobID]
	if !ok {
		n.mu.Unlock()
		log.Info("decision for unknown offer ignored")
		return fmt.Errorf("%w: %w", models.ErrOfferNotActive, models.ErrOfferNotFound)
	}
	if e.state != Offered || e.accepting {
		state := e.state
		n.mu.Unlock()
		log.Info("decision for inactive offer ignored", "state", state)
		return models.ErrOfferNotActive
	}
	// the timer may not have fired yet; the deadline is what counts
	if !n.opts.Clock.Now().Before(e.offer.ExpiresAt) {
		n.finishLocked(e, Expired)
		offer := e.offer
		n.mu.Unlock()
		log.Info("decision after deadline ignored", "expires_at", offer.ExpiresAt)
		n.emitOffer(n.view(offer, Expired))
		return models.ErrOfferNotActive
	}

	switch d {
	case View:
		n.mu.Unlock()
		log.Debug("offer viewed")
		return nil
	case Decline:
		n.finishLocked(e, Declined)
		offer := e.offer
		n.mu.Unlock()
		log.Info("offer declined")
		n.emitOffer(n.view(offer, Declined))
		return nil
	case Accept:
	default:
		n.mu.Unlock()
		return fmt.Errorf("unknown decision %q", d)
	}

	if n.opts.Acceptor == nil {
		n.mu.Unlock()
		return &AcceptError{JobID: jobID, Reason: "no acceptor configured"}
	}
	e.accepting = true
	n.mu.Unlock()

	err := n.opts.Acceptor.AcceptJob(ctx, jobID)

	n.mu.Lock()
	e.accepting = false
	offer := e.offer
	if err == nil {
		n.finishLocked(e, Accepted)
		n.mu.Unlock()
		log.Info("offer accepted")
		n.emitOffer(n.view(offer, Accepted))
		return nil
	}
	expired := e.expireAfterAccept || !n.opts.Clock.Now().Before(offer.ExpiresAt)
	if expired {
		n.finishLocked(e, Expired)
	}
	n.mu.Unlock()

	log.Warn("accept failed", "error", err, "expired", expired)
	if expired {
		n.emitOffer(n.view(offer, Expired))
	}
	return &AcceptError{JobID: jobID, Reason: err.Error(), Err: err}
}

func (n *Notifier) expire(jobID string, e *offerEntry) {
	n.mu.Lock()
	if n.offers[jobID] != e || e.state != Offered {
		n.mu.Unlock()
		return
	}
	if e.accepting {
		e.expireAfterAccept = true
		n.mu.Unlock()
		return
	}
	n.finishLocked(e, Expired)
	offer := e.offer
	n.mu.Unlock()

	n.log.Info("offer expired", "job_id", jobID)
	n.emitOffer(n.view(offer, Expired))
}

func (n *Notifier) finishLocked(e *offerEntry, s OfferState) {
	e.state = s
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	observability.OffersTotal.WithLabelValues(string(s)).Inc()
}

// pruneLocked forgets finished offers that expired more than ten TTLs ago.
func (n *Notifier) pruneLocked(now time.Time) {
	cutoff := now.Add(-10 * n.opts.OfferTTL)
	for id, e := range n.offers {
		if e.state != Offered && e.offer.ExpiresAt.Before(cutoff) {
			delete(n.offers, id)
		}
	}
}

func (n *Notifier) view(o models.JobOffer, s OfferState) Offer {
	return Offer{JobOffer: o, State: s, Earnings: o.Earnings(n.opts.EarningsSplit)}
}

func (n *Notifier) emitOffer(o Offer) {
	n.mu.Lock()
	var fns []func(Offer)
	for _, id := range n.order {
		if fn, ok := n.onOffer[id]; ok {
			fns = append(fns, fn)
		}
	}
	n.mu.Unlock()
	for _, fn := range fns {
		n.safely(func() { fn(o) })
	}
}

func (n *Notifier) emitNotice(nt Notice) {
	n.mu.Lock()
	var fns []func(Notice)
	for _, id := range n.order {
		if fn, ok := n.onNotice[id]; ok {
			fns = append(fns, fn)
		}
	}
	n.mu.Unlock()
	for _, fn := range fns {
		n.safely(func() { fn(nt) })
	}
}

func (n *Notifier) safely(f func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("presence handler panicked", "panic", r)
		}
	}()
	f()
}
