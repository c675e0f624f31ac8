package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/relay/pkg/admission"
	"github.com/pario-ai/relay/pkg/models"
	"github.com/pario-ai/relay/pkg/registry"
	"github.com/pario-ai/relay/pkg/router"
)

// TierHeader selects the caller tier when the body does not.
const TierHeader = "X-Relay-Tier"

const maxBodyBytes = 1 << 20

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req models.RouteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSONError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.Tier == "" {
		req.Tier = r.Header.Get(TierHeader)
	}

	resp, err := s.deps.Router.Route(r.Context(), req.Query, req.Tier)
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}

	if resp.Cached {
		w.Header().Set("X-Relay-Cache", "hit")
	} else {
		w.Header().Set("X-Relay-Cache", "miss")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeRouteError(w http.ResponseWriter, r *http.Request, err error) {
	var rle *router.RateLimitError
	switch {
	case errors.As(err, &rle):
		secs := int(math.Ceil(rle.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, admission.ErrUnknownTier):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, router.ErrAllProvidersExhausted):
		s.logger.Warn("route failed",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled):
		// The client has gone away; nobody reads the body.
		writeJSONError(w, http.StatusServiceUnavailable, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("route failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) handleCacheEntries(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	entries := s.deps.Cache.Entries()
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit >= 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Embedding = nil
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := s.deps.Cache.Clear(r.Context()); err != nil {
		s.logger.Error("cache clear failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "cache clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Providers.Health())
}

func (s *Server) handleProviderMetrics(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Providers.Metrics())
}

// SetPrimaryRequest is the body of POST /providers/primary.
type SetPrimaryRequest struct {
	ProviderID string `json:"providerId"`
}

func (s *Server) handleSetPrimary(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req SetPrimaryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.ProviderID == "" {
		writeJSONError(w, http.StatusBadRequest, "providerId is required")
		return
	}
	if err := s.deps.Providers.SetPrimary(req.ProviderID); err != nil {
		if errors.Is(err, registry.ErrUnknownProvider) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"primary": req.ProviderID})
}

func (s *Server) handleAccounting(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Accounting.Snapshot())
}

func (s *Server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Admission.Status())
}

func (s *Server) handleLedgerSummary(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.deps.Ledger == nil {
		writeJSONError(w, http.StatusNotFound, "ledger is disabled")
		return
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid since duration %q", v))
			return
		}
		window = d
	}
	since := time.Now().Add(-window)

	totals, err := s.deps.Ledger.Totals(r.Context(), since)
	if err != nil {
		s.logger.Error("ledger totals failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "ledger query failed")
		return
	}
	providers, err := s.deps.Ledger.Summary(r.Context(), since)
	if err != nil {
		s.logger.Error("ledger summary failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "ledger query failed")
		return
	}
	writeJSON(w, http.StatusOK, models.LedgerReport{Since: since.UTC(), Totals: totals, Providers: providers})
}

func (s *Server) handleLedgerRecent(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.deps.Ledger == nil {
		writeJSONError(w, http.StatusNotFound, "ledger is disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recent, err := s.deps.Ledger.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("ledger recent failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "ledger query failed")
		return
	}
	writeJSON(w, http.StatusOK, recent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"relay_error","code":%d}}`, message, code)
}
