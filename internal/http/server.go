// Package httpapi is the public tracking gateway: a read-only view of a job
// behind its short tracking code, as JSON or as a websocket stream.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/parcel-tracking/internal/clock"
	"github.com/example/parcel-tracking/internal/eta"
	"github.com/example/parcel-tracking/internal/logging"
	"github.com/example/parcel-tracking/internal/models"
	"github.com/example/parcel-tracking/internal/route"
	"github.com/example/parcel-tracking/internal/tracking"
)

// PublicSource resolves a tracking code (and PIN) to the public job view.
type PublicSource interface {
	FetchPublic(ctx context.Context, code, pin string) (models.PublicTracking, error)
}

// ReadyCheck is one dependency checked by /ready.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Options struct {
	Public    PublicSource
	Snapshots tracking.Fetcher
	Feed      *tracking.Feed
	ETA       eta.Estimator
	Ready     []ReadyCheck
	Clock     clock.Clock
	Logger    *slog.Logger

	// Finished runs once when a streamed job reaches a terminal status, to
	// drop per-job state such as the shared courier position.
	Finished func(ctx context.Context, jobID string) error
}

// TrackingView is what a viewer receives: the public job fields plus render
// instructions for the map.
type TrackingView struct {
	models.PublicTracking
	Plan *route.RenderPlan `json:"plan,omitempty"`
}

type Server struct {
	public    PublicSource
	snapshots tracking.Fetcher
	eta       eta.Estimator
	ready     []ReadyCheck
	clock     clock.Clock
	hub       *Hub
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	s := &Server{
		public:    opts.Public,
		snapshots: opts.Snapshots,
		eta:       opts.ETA,
		ready:     opts.Ready,
		clock:     opts.Clock,
		logger:    logging.OrNop(opts.Logger).With("component", "gateway"),
		mux:       mux.NewRouter(),
	}
	if opts.Feed != nil {
		s.hub = NewHub(opts.Feed, s.render, opts.Finished, s.logger)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/track/{code}", s.handleTrack).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws/track/{code}", s.handleTrackWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Close disconnects every websocket viewer and stops their subscriptions.
func (s *Server) Close() {
	if s.hub != nil {
		s.hub.Close()
	}
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	pt, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var snap *models.TrackingSnapshot
	if s.snapshots != nil && pt.JobID != "" && !pt.Status.Terminal() {
		got, err := s.snapshots.FetchSnapshot(r.Context(), pt.JobID)
		if err != nil {
			s.request(r.Context()).log.Warn("snapshot unavailable, serving public fields only", "job_id", pt.JobID, "error", err)
		} else {
			snap = &got
		}
	}
	writeJSON(w, http.StatusOK, s.render(r.Context(), pt, snap))
}

// handleHealth reports liveness only; dependencies are checked by /ready.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range s.ready {
		if err := c.Check(ctx); err != nil {
			s.request(r.Context()).log.Warn("readiness check failed", "check", c.Name, "error", err)
			http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// resolve looks the code up and writes the error response itself on failure.
// The outcome is recorded on the request for the access log and metrics.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (models.PublicTracking, bool) {
	info := s.request(r.Context())
	code := strings.ToUpper(strings.TrimSpace(mux.Vars(r)["code"]))
	info.code = code
	if code == "" {
		info.outcome = outcomeBadCode
		writeError(w, http.StatusBadRequest, "tracking code required")
		return models.PublicTracking{}, false
	}
	pt, err := s.public.FetchPublic(r.Context(), code, r.URL.Query().Get("pin"))
	switch {
	case err == nil:
		info.outcome = outcomeOK
		return pt, true
	case errors.Is(err, models.ErrPinRequired):
		info.outcome = outcomePinRequired
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "PIN required", "requires_pin": true})
	case errors.Is(err, models.ErrJobNotFound):
		info.outcome = outcomeNotFound
		writeError(w, http.StatusNotFound, "tracking code not found")
	case errors.Is(err, models.ErrTrackingGone):
		info.outcome = outcomeGone
		writeError(w, http.StatusGone, "tracking link is no longer active")
	case errors.Is(err, context.DeadlineExceeded):
		info.outcome = outcomeTimeout
		writeError(w, http.StatusGatewayTimeout, "tracking backend timed out")
	default:
		info.outcome = outcomeUpstream
		info.log.Error("public tracking lookup failed", "code", code, "error", err)
		writeError(w, http.StatusBadGateway, "tracking backend unavailable")
	}
	return models.PublicTracking{}, false
}

// render merges a fresh snapshot into the public view. The courier position
// is withheld unless the parcel is on its way to the recipient.
func (s *Server) render(ctx context.Context, pt models.PublicTracking, snap *models.TrackingSnapshot) TrackingView {
	v := TrackingView{PublicTracking: pt}
	if snap == nil {
		return v
	}
	public := *snap
	if public.Status != "" && public.Status != v.Status {
		v.Status = public.Status
		v.StatusDisplay = public.Status.Display()
	}
	if v.Status != models.StatusDelivering {
		public.Courier = nil
		v.CurrentLocation = nil
	} else if public.Courier != nil && public.Courier.Valid() {
		loc := public.Courier.GeoPoint
		v.CurrentLocation = &loc
	}
	if public.FetchedAt.After(v.UpdatedAt) {
		v.UpdatedAt = public.FetchedAt
	}
	if s.eta != nil {
		if at, ok := eta.Arrival(ctx, s.eta, public, s.clock.Now()); ok {
			v.EstimatedArrival = &at
		}
	}
	plan := route.Project(public)
	v.Plan = &plan
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// newID returns a random 16 character hex request id.
func newID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}
