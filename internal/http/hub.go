package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/parcel-tracking/internal/models"
	"github.com/example/parcel-tracking/internal/observability"
	"github.com/example/parcel-tracking/internal/tracking"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 8
	renderWait = 3 * time.Second
)

// the stream is public and read-only, so any page may embed it
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type renderFunc func(ctx context.Context, pt models.PublicTracking, snap *models.TrackingSnapshot) TrackingView

type finishFunc func(ctx context.Context, jobID string) error

// Hub fans tracking updates out to websocket viewers. All viewers of one job
// share a single feed subscription, which is stopped when the last one leaves.
type Hub struct {
	feed     *tracking.Feed
	render   renderFunc
	finished finishFunc
	log      *slog.Logger

	mu     sync.Mutex
	groups map[string]*group
	closed bool
}

type group struct {
	base    models.PublicTracking
	viewers map[*viewer]struct{}
	sub     *tracking.Subscription
}

func NewHub(feed *tracking.Feed, render renderFunc, finished finishFunc, logger *slog.Logger) *Hub {
	return &Hub{feed: feed, render: render, finished: finished, log: logger, groups: make(map[string]*group)}
}

func (s *Server) handleTrackWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live tracking disabled")
		return
	}
	pt, ok := s.resolve(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.request(r.Context()).log.Warn("websocket upgrade failed", "code", pt.Code, "error", err)
		return
	}
	s.hub.Serve(conn, pt)
}

// Serve registers conn as a viewer of pt's job and starts its pumps. A
// finished job gets one frame and is closed.
func (h *Hub) Serve(conn *websocket.Conn, pt models.PublicTracking) {
	v := &viewer{hub: h, conn: conn, jobID: pt.JobID, send: make(chan []byte, sendBuffer)}
	observability.ViewersConnected.Inc()
	go v.writePump()

	if pt.Status.Terminal() || pt.JobID == "" {
		v.enqueue(h.frame(pt, nil))
		v.finish()
		go v.drain()
		return
	}
	v.enqueue(h.frame(pt, nil))
	if last, ok := h.join(v, pt); ok {
		v.enqueue(h.frame(pt, &last))
	}
	go v.readPump()
}

func (h *Hub) join(v *viewer, pt models.PublicTracking) (models.TrackingSnapshot, bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		v.finish()
		return models.TrackingSnapshot{}, false
	}
	g, ok := h.groups[pt.JobID]
	if ok {
		g.base = pt
		g.viewers[v] = struct{}{}
		sub := g.sub
		h.mu.Unlock()
		if sub != nil {
			return sub.Last()
		}
		return models.TrackingSnapshot{}, false
	}
	g = &group{base: pt, viewers: map[*viewer]struct{}{v: {}}}
	h.groups[pt.JobID] = g
	h.mu.Unlock()

	sub := h.feed.Start(pt.JobID, pt.Status, h.deliver(g))

	h.mu.Lock()
	if h.groups[pt.JobID] != g {
		// everyone left before the subscription existed
		h.mu.Unlock()
		sub.Stop()
		return models.TrackingSnapshot{}, false
	}
	g.sub = sub
	h.mu.Unlock()
	h.log.Debug("live tracking group opened", "job_id", pt.JobID)
	return models.TrackingSnapshot{}, false
}

func (h *Hub) leave(v *viewer) {
	h.mu.Lock()
	g, ok := h.groups[v.jobID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(g.viewers, v)
	var sub *tracking.Subscription
	if len(g.viewers) == 0 {
		delete(h.groups, v.jobID)
		sub = g.sub
	}
	h.mu.Unlock()
	if sub != nil {
		sub.Stop()
		h.log.Debug("live tracking group closed", "job_id", v.jobID)
	}
}

// Viewers returns the number of viewers watching jobID.
func (h *Hub) Viewers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if g, ok := h.groups[jobID]; ok {
		return len(g.viewers)
	}
	return 0
}

func (h *Hub) deliver(g *group) tracking.Handler {
	return func(u tracking.Update) {
		h.mu.Lock()
		base := g.base
		viewers := make([]*viewer, 0, len(g.viewers))
		for v := range g.viewers {
			viewers = append(viewers, v)
		}
		h.mu.Unlock()

		var msg []byte
		done := false
		if u.Err != nil {
			msg, _ = json.Marshal(map[string]string{"error": u.Err.Error()})
			done = true
		} else {
			msg = h.frame(base, &u.Snapshot)
			done = u.Snapshot.Status.Terminal()
		}
		for _, v := range viewers {
			v.enqueue(msg)
			if done {
				v.finish()
			}
		}
		if u.Err == nil && u.Snapshot.Status.Terminal() {
			h.jobFinished(base.JobID)
		}
	}
}

// a terminal update is the feed's last, so this runs once per job and group
func (h *Hub) jobFinished(jobID string) {
	if h.finished == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), renderWait)
	defer cancel()
	if err := h.finished(ctx, jobID); err != nil {
		h.log.Warn("clearing finished job state failed", "job_id", jobID, "error", err)
		return
	}
	h.log.Debug("finished job state cleared", "job_id", jobID)
}

func (h *Hub) frame(pt models.PublicTracking, snap *models.TrackingSnapshot) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), renderWait)
	defer cancel()
	b, err := json.Marshal(h.render(ctx, pt, snap))
	if err != nil {
		h.log.Error("encode tracking view", "job_id", pt.JobID, "error", err)
	}
	return b
}

// Close disconnects every viewer and stops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	groups := h.groups
	h.groups = make(map[string]*group)
	h.mu.Unlock()
	for _, g := range groups {
		if g.sub != nil {
			g.sub.Stop()
		}
		for v := range g.viewers {
			v.finish()
		}
	}
}

type viewer struct {
	hub   *Hub
	conn  *websocket.Conn
	jobID string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue never blocks: a viewer that cannot keep up is disconnected.
func (v *viewer) enqueue(msg []byte) {
	if msg == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	select {
	case v.send <- msg:
	default:
		v.hub.log.Warn("slow viewer disconnected", "job_id", v.jobID)
		observability.ChannelDropped.WithLabelValues("slow_viewer").Inc()
		v.closed = true
		close(v.send)
	}
}

func (v *viewer) finish() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.closed = true
		close(v.send)
	}
}

func (v *viewer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
		observability.ViewersConnected.Dec()
	}()
	for {
		select {
		case msg, ok := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = v.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only watches for pongs and the peer going away.
func (v *viewer) readPump() {
	defer func() {
		v.hub.leave(v)
		v.finish()
	}()
	v.drain()
}

func (v *viewer) drain() {
	v.conn.SetReadLimit(512)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}
