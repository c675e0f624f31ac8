// Package server exposes the routing engine and its control surface over
// HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pario-ai/relay/pkg/models"
)

// Router answers routed queries.
type Router interface {
	Route(ctx context.Context, query, tier string) (*models.RouteResponse, error)
}

// CacheView is the similarity cache control surface.
type CacheView interface {
	Stats() models.CacheStats
	Entries() []models.CacheEntry
	Clear(ctx context.Context) error
}

// ProviderView is the provider registry control surface.
type ProviderView interface {
	Health() []models.ProviderHealth
	Metrics() []models.ProviderMetrics
	SetPrimary(id string) error
}

// AdmissionView reports tier usage.
type AdmissionView interface {
	Status() []models.TierStatus
}

// AccountingView reports running totals.
type AccountingView interface {
	Snapshot() models.AccountingSnapshot
}

// LedgerView reads persisted outcomes.
type LedgerView interface {
	Recent(ctx context.Context, limit int) ([]models.RoutingOutcome, error)
	Summary(ctx context.Context, since time.Time) ([]models.LedgerSummary, error)
	Totals(ctx context.Context, since time.Time) (models.LedgerSummary, error)
}

// Deps are the components served. Ledger may be nil.
type Deps struct {
	Router     Router
	Cache      CacheView
	Providers  ProviderView
	Admission  AdmissionView
	Accounting AccountingView
	Ledger     LedgerView
	Logger     *zap.Logger
}

// Server is the relay HTTP server.
type Server struct {
	listen  string
	deps    Deps
	logger  *zap.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// New creates a Server with all routes registered.
func New(listen string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		listen: listen,
		deps:   deps,
		logger: deps.Logger,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("/v1/route", s.handleRoute)
	s.mux.HandleFunc("/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("/cache/entries", s.handleCacheEntries)
	s.mux.HandleFunc("/cache/clear", s.handleCacheClear)
	s.mux.HandleFunc("/providers/health", s.handleProviderHealth)
	s.mux.HandleFunc("/providers/metrics", s.handleProviderMetrics)
	s.mux.HandleFunc("/providers/primary", s.handleSetPrimary)
	s.mux.HandleFunc("/accounting", s.handleAccounting)
	s.mux.HandleFunc("/admission", s.handleAdmission)
	s.mux.HandleFunc("/ledger/summary", s.handleLedgerSummary)
	s.mux.HandleFunc("/ledger/recent", s.handleLedgerRecent)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.handler = requestID(s.logRequests(s.mux))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", zap.String("addr", s.listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
