// Package frontend serves the operator HTTP API: manual job triggers,
// schedule settings, histories, health and metrics.
package frontend

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/clashctl/clashctl/internal/cmn/logger/tag"
	"github.com/clashctl/clashctl/internal/core"
	"github.com/clashctl/clashctl/internal/metrics"
	"github.com/clashctl/clashctl/internal/persis/fileschedule"
	"github.com/clashctl/clashctl/internal/service/geoupdate"
	"github.com/clashctl/clashctl/internal/service/kernel"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// GeoRunner triggers geo update runs.
type GeoRunner interface {
	Run(ctx context.Context, trigger core.Trigger, opts geoupdate.Options) (*core.GeoUpdateResult, error)
}

// KernelService triggers kernel updates and reports binary state.
type KernelService interface {
	Update(ctx context.Context, trigger core.Trigger, req kernel.Request) (core.KernelUpdateRecord, error)
	Status() core.BinaryLifecycleState
	History(limit int) []core.KernelUpdateRecord
	CanRestart() bool
}

// MergeRunner triggers manual merge-and-reload runs.
type MergeRunner interface {
	RunManual(ctx context.Context) (core.ScheduleHistoryEntry, error)
}

// Params carries the server's collaborators.
type Params struct {
	Host     string
	Port     int
	APIToken string

	Geo      GeoRunner
	Kernel   KernelService
	Merge    MergeRunner
	Schedule *fileschedule.Store
	Metrics  *metrics.Metrics
}

// Server is the operator HTTP frontend.
type Server struct {
	addr    string
	token   string
	geo     GeoRunner
	kernel  KernelService
	merge   MergeRunner
	store   *fileschedule.Store
	metrics *metrics.Metrics

	httpServer *http.Server
}

// New creates the frontend server.
func New(params Params) *Server {
	return &Server{
		addr:    net.JoinHostPort(params.Host, strconv.Itoa(params.Port)),
		token:   params.APIToken,
		geo:     params.Geo,
		kernel:  params.Kernel,
		merge:   params.Merge,
		store:   params.Schedule,
		metrics: params.Metrics,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)

		r.Post("/api/geo/update", s.handleGeoUpdate)

		r.Post("/api/kernel/update", s.handleKernelUpdate)
		r.Get("/api/kernel/status", s.handleKernelStatus)
		r.Get("/api/kernel/history", s.handleKernelHistory)

		r.Post("/api/merge", s.handleMerge)

		r.Get("/api/schedule", s.handleGetSchedule)
		r.Put("/api/schedule", s.handlePutSchedule)
		r.Get("/api/schedule/history", s.handleScheduleHistory)
	})

	return r
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("frontend listening", tag.Path(s.addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// bearerAuth enforces the shared API token when one is configured.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "missing or invalid API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
