// Package httpapi is the control and read surface: per-platform start/stop,
// status, badges, the recent message window and the client transports.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/you/multichat/internal/badges"
	"github.com/you/multichat/internal/core"
	"github.com/you/multichat/internal/telemetry"
	"github.com/you/multichat/internal/window"
)

// Controller is the adapter supervisor as seen by the API.
type Controller interface {
	Start(ctx context.Context, p core.Platform) (bool, error)
	Stop(p core.Platform) (bool, error)
	Restart(ctx context.Context, p core.Platform) error
	Status(p core.Platform) (core.Status, error)
	Statuses() map[core.Platform]core.Status
}

// Streams serves the client transports.
type Streams interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ServeSSE(w http.ResponseWriter, r *http.Request)
	Clients() int
}

type BadgeSource interface {
	Get(ctx context.Context, channel string) (*badges.Catalog, error)
}

type MessageStore interface {
	List(ctx context.Context, filters window.Filters) ([]core.ChatMessage, error)
	Count(ctx context.Context, filters window.Filters) (int64, error)
}

type Options struct {
	Addr        string
	Build       BuildInfo
	CORSOrigins []string
	// RateLimit is requests per second per client IP and route class; zero
	// disables it.
	RateLimit float64
	RateBurst int
	// Summary is included in /api/info, already redacted.
	Summary any
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

type Server struct {
	opts       Options
	ctl        Controller
	streams    Streams
	badges     BadgeSource
	store      MessageStore
	log        *slog.Logger
	metrics    *telemetry.Metrics
	limiter    *clientBuckets
	cors       *originPolicy
	mux        *http.ServeMux
	httpServer *http.Server
}

// New wires the routes. badges and store may be nil; their endpoints then
// answer 503.
func New(ctl Controller, streams Streams, badgeSource BadgeSource, store MessageStore, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:    opts,
		ctl:     ctl,
		streams: streams,
		badges:  badgeSource,
		store:   store,
		log:     logger,
		metrics: opts.Metrics,
		limiter: newClientBuckets(opts.RateLimit, opts.RateBurst),
		cors:    newOriginPolicy(opts.CORSOrigins),
		mux:     http.NewServeMux(),
	}

	s.handle("GET /healthz", classOps, s.handleHealthz)
	s.handle("GET /api/info", classOps, s.handleInfo)
	s.handle("GET /metrics", classOps, s.metrics.Handler().ServeHTTP)
	s.handle("GET /api/status", classRead, s.handleStatuses)
	s.handle("GET /api/{platform}/{view}", classRead, s.handlePlatformView)
	s.handle("GET /api/badges/{channel}", classRead, s.handleBadges)
	s.handle("GET /api/messages", classRead, s.handleMessages)
	s.handle("POST /api/{platform}/start", classControl, s.handleStart)
	s.handle("POST /api/{platform}/stop", classControl, s.handleStop)
	s.handle("POST /api/{platform}/restart", classControl, s.handleRestart)
	s.handle("GET /ws", classStream, s.handleWS)
	s.handle("GET /stream", classStream, s.handleSSE)
	s.mux.HandleFunc("OPTIONS /", s.handlePreflight)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handle(pattern string, class routeClass, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		tw := &trackedWriter{ResponseWriter: w, compress: class.compressible() && acceptsGzip(r)}
		defer func() {
			tw.finish()
			s.metrics.ObserveRequest(pattern, r.Method, tw.Status(), time.Since(start))
			s.log.Debug("httpapi: request", "route", pattern, "class", class, "status", tw.Status(),
				"bytes", tw.bytes, "remote", clientIP(r), "dur", time.Since(start))
		}()

		origin := r.Header.Get("Origin")
		if !s.cors.permits(origin) {
			tw.compress = false
			writeError(tw, http.StatusForbidden, "origin not allowed")
			return
		}
		s.cors.decorate(tw.Header(), origin)

		if class.limited() {
			if ok, wait := s.limiter.allow(class, clientIP(r), start); !ok {
				s.metrics.IncRateLimited()
				tw.Header().Set("Retry-After", retryAfter(wait))
				writeError(tw, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		h(tw, r)
	})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if s.cors == nil || origin == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.cors.permits(origin) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	h := w.Header()
	s.cors.decorate(h, origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	if asked := r.Header.Get("Access-Control-Request-Headers"); asked != "" {
		h.Set("Access-Control-Allow-Headers", asked)
	}
	h.Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("httpapi: listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on Options.Addr.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
