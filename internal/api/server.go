// Package api serves the read-only operational HTTP surface: health,
// aggregate stats, and recent alerts.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"polymarket-sentry/internal/alert"
	"polymarket-sentry/internal/engine"
	"polymarket-sentry/internal/state"
)

const recentAlertLimit = 50

// Server exposes the engine's counters and the alert log over HTTP. All
// endpoints are read-only; mutation happens only through the engine itself.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// New builds the router. The state store may be nil when discovery is
// disabled; the opportunities endpoint then returns an empty list.
func New(port int, eng *engine.Engine, store *alert.Store, st *state.State, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		h := eng.Health()
		writeJSON(w, map[string]any{
			"status":         "ok",
			"uptimeMs":       h.UptimeMs,
			"markets":        h.Markets,
			"trades":         h.TradesSeen,
			"alertsThisHour": h.AlertsThisHour,
			"wsConnected":    h.WSConnected,
		})
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"engine":      eng.Health(),
			"alerts":      store.Stats(),
			"totalAlerts": store.Total(),
		})
	})

	r.Get("/alerts", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, store.Recent(recentAlertLimit))
	})

	r.Get("/opportunities", func(w http.ResponseWriter, _ *http.Request) {
		if st == nil {
			writeJSON(w, []any{})
			return
		}
		opps := st.GetUnresolvedOpportunities()
		if opps == nil {
			writeJSON(w, []any{})
			return
		}
		writeJSON(w, opps)
	})

	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "api"),
	}
}

// Start serves until Shutdown.
func (s *Server) Start() {
	s.logger.Info("http api listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("http api failed", "error", err)
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
	}
}
