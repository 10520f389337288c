package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/parcel-tracking/internal/observability"
)

type ctxKey int

const requestKey ctxKey = iota

// Lookup outcomes recorded by resolve, one per tracking request.
const (
	outcomeOK          = "ok"
	outcomeBadCode     = "bad_code"
	outcomePinRequired = "pin_required"
	outcomeNotFound    = "not_found"
	outcomeGone        = "gone"
	outcomeTimeout     = "timeout"
	outcomeUpstream    = "upstream_error"
)

// requestInfo travels with each request. Handlers log through log, which
// carries the request id, and resolve fills in the tracking code outcome.
type requestInfo struct {
	id      string
	log     *slog.Logger
	code    string
	outcome string
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.withRequest)
	s.mux.Use(s.instrument)
	s.mux.Use(s.recoverPanics)
}

// request returns the info attached by withRequest, or a detached one for
// handlers called outside the router.
func (s *Server) request(ctx context.Context) *requestInfo {
	if info, ok := ctx.Value(requestKey).(*requestInfo); ok {
		return info
	}
	return &requestInfo{log: s.logger}
}

// withRequest adopts the caller's X-Request-ID or mints one, and echoes it so
// a viewer's bug report can be matched to gateway logs.
func (s *Server) withRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = newID()
		}
		w.Header().Set("X-Request-ID", id)
		info := &requestInfo{id: id, log: s.logger.With("request_id", id)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestKey, info)))
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := routeTemplate(r)
		status := strconv.Itoa(rec.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		info := s.request(r.Context())
		args := []any{"method", r.Method, "route", route, "status", rec.status, "duration_ms", elapsed.Milliseconds()}
		if info.outcome != "" {
			observability.TrackingLookups.WithLabelValues(info.outcome).Inc()
			args = append(args, "code", info.code, "outcome", info.outcome)
		}
		info.log.Info("http_request", args...)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			s.request(r.Context()).log.Error("handler panicked", "panic", v, "route", routeTemplate(r))
			writeError(w, http.StatusInternalServerError, "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
