// Package httpapi exposes the marketplace over HTTP.
//
// Callers identify themselves with the X-Actor-ID header; X-Actor-Admin:
// true marks an operator. Authentication is left to the fronting proxy.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/buyorders/internal/escrow"
	"github.com/roach88/buyorders/internal/metrics"
	"github.com/roach88/buyorders/internal/sandbox"
	"github.com/roach88/buyorders/internal/settlement"
)

// Server serves the HTTP API.
type Server struct {
	market  *escrow.Market
	world   *sandbox.World
	flusher *settlement.Flusher
	metrics *metrics.Metrics
	limiter *RateLimiter
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSandbox mounts the sandbox routes over world. Presence changes flush
// the actor's queued settlements through f, which may be nil.
func WithSandbox(world *sandbox.World, f *settlement.Flusher) Option {
	return func(s *Server) {
		s.world = world
		s.flusher = f
	}
}

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimiter limits requests per client. A nil limiter disables it.
func WithRateLimiter(l *RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server for m.
func New(m *escrow.Market, opts ...Option) *Server {
	s := &Server{market: m, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware)

		r.Get("/orders", s.listOrders)
		r.Post("/orders", s.placeOrder)
		r.Get("/orders/{id}", s.showOrder)
		r.Delete("/orders/{id}", s.removeOrder)
		r.Post("/orders/{id}/deliveries", s.deliver)
		r.Post("/orders/{id}/cancel", s.cancelOrder)
		r.Post("/orders/{id}/claim", s.claim)
		r.Get("/placers/{id}/orders", s.placerOrders)

		if s.world != nil {
			r.Get("/sandbox/actors", s.sandboxActors)
			r.Put("/sandbox/actors/{id}/presence", s.setPresence)
		}
	})
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("http server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

// observe records the status of every request by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(route, status)
		s.logger.Debug("http request", "method", r.Method, "route", route, "status", status, "duration", time.Since(start))
	})
}
