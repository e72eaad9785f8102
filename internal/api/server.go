// Package api wires the HTTP surface: reading ingest, alert queries and
// actions, SMS webhooks, health and metrics, plus the real-time endpoints.
package api

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coldsense/backend/internal/escalate"
	"github.com/coldsense/backend/internal/ingest"
	"github.com/coldsense/backend/internal/middleware"
	"github.com/coldsense/backend/internal/notify"
	"github.com/coldsense/backend/internal/store"
	"github.com/coldsense/backend/internal/stream"
	"github.com/coldsense/backend/internal/unitstate"
)

// Server holds the HTTP handler graph.
type Server struct {
	router *mux.Router
	http   *http.Server
	logger *log.Logger

	db       *sql.DB
	orch     *ingest.Orchestrator
	alerts   *store.AlertStore
	units    *store.UnitStore
	readings *store.ReadingStore
	buckets  *store.MetricBucketStore
	engine   *escalate.Engine
	webhook  *notify.Webhook
	cache    *unitstate.Cache
	hub      *stream.Hub
	feed     *stream.Feed
}

// Deps bundles the constructor arguments.
type Deps struct {
	DB        *sql.DB
	Orch      *ingest.Orchestrator
	Alerts    *store.AlertStore
	Units     *store.UnitStore
	Readings  *store.ReadingStore
	Buckets   *store.MetricBucketStore
	Engine    *escalate.Engine
	Webhook   *notify.Webhook
	Cache     *unitstate.Cache
	Hub       *stream.Hub
	Feed      *stream.Feed
	Auth      middleware.Authenticator
	RateLimit *middleware.RateLimiter
}

func NewServer(addr string, d Deps) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  log.New(log.Writer(), "[API] ", log.LstdFlags),
		db:       d.DB,
		orch:     d.Orch,
		alerts:   d.Alerts,
		units:    d.Units,
		readings: d.Readings,
		buckets:  d.Buckets,
		engine:   d.Engine,
		webhook:  d.Webhook,
		cache:    d.Cache,
		hub:      d.Hub,
		feed:     d.Feed,
	}
	s.routes(d)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes(d Deps) {
	// Unauthenticated surface.
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/webhooks/sms", s.handleSMSWebhook).Methods(http.MethodPost)

	// Real-time endpoints authenticate per connection via token.
	if s.hub != nil {
		s.router.PathPrefix("/socket.io/").Handler(s.hub.Handler())
	}
	if s.feed != nil {
		s.router.Handle("/ws", s.feed).Methods(http.MethodGet)
	}

	// Tenant-scoped API.
	authed := s.router.PathPrefix("/api/v1").Subrouter()
	authed.Use(middleware.TenantAuth(d.Auth))

	ingestR := authed.PathPrefix("/readings").Subrouter()
	if d.RateLimit != nil {
		ingestR.Use(d.RateLimit.Middleware)
	}
	ingestR.HandleFunc("", s.handleIngest).Methods(http.MethodPost)

	authed.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	authed.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	authed.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	authed.HandleFunc("/alerts/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	authed.HandleFunc("/alerts/{id}/escalate", s.handleManualEscalate).Methods(http.MethodPost)

	authed.HandleFunc("/units/{id}/state", s.handleUnitState).Methods(http.MethodGet)
	authed.HandleFunc("/units/{id}/metrics", s.handleUnitMetrics).Methods(http.MethodGet)
	authed.HandleFunc("/units/{id}/readings", s.handleUnitReadings).Methods(http.MethodGet)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Printf("HTTP server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "database unreachable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
