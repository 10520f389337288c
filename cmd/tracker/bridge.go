package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/example/parcel-tracking/internal/models"
	"github.com/example/parcel-tracking/internal/presence"
	"github.com/example/parcel-tracking/internal/route"
	"github.com/example/parcel-tracking/internal/tracking"
)

// courierSink takes pushed courier positions; *tracking.Subscription is one.
type courierSink interface {
	ApplyCourier(pos models.CourierPosition) bool
}

// offerSink takes pushed job offers; *presence.Notifier is one.
type offerSink interface {
	DeliverOffer(offer models.JobOffer)
}

// bridge routes realtime messages to the component that owns them.
type bridge struct {
	jobID   string
	courier courierSink
	offers  offerSink
	out     *printer
	log     *slog.Logger
}

func (b *bridge) handle(msg models.ChannelMessage) {
	switch msg.Kind {
	case models.KindLocation:
		if b.courier == nil || (msg.JobID != "" && msg.JobID != b.jobID) {
			return
		}
		if !b.courier.ApplyCourier(*msg.Courier) {
			b.log.Debug("courier position arrived before the first snapshot", "job_id", b.jobID)
		}
	case models.KindPresence:
		if b.offers != nil {
			b.offers.DeliverOffer(*msg.Job)
		}
	case models.KindChat:
		b.out.print("chat", msg.Message)
	case models.KindUnread:
		b.out.print("unread", map[string]int{"count": *msg.Unread})
	}
}

// printer writes one JSON object per line.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer { return &printer{enc: json.NewEncoder(w)} }

func (p *printer) print(kind string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(map[string]any{"kind": kind, "data": v})
}

// planHandler prints the render plan of every snapshot and closes done once
// the job is finished or tracking failed for good.
func planHandler(out *printer, log *slog.Logger, done chan<- struct{}) tracking.Handler {
	var once sync.Once
	return func(u tracking.Update) {
		if u.Err != nil {
			log.Error("tracking stopped", "job_id", u.JobID, "error", u.Err)
			once.Do(func() { close(done) })
			return
		}
		out.print("plan", map[string]any{
			"status": u.Snapshot.Status,
			"plan":   route.Project(u.Snapshot),
		})
		if u.Snapshot.Status.Terminal() {
			once.Do(func() { close(done) })
		}
	}
}

func offerPrinter(out *printer) func(presence.Offer) {
	return func(o presence.Offer) { out.print("offer", o) }
}
