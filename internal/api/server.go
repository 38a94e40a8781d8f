// Package api exposes the gateway's HTTP surface: health, metrics, stats
// and the live data websocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sensate-iot/authgw/internal/livedata"
	"github.com/sensate-iot/authgw/internal/services"
)

// StatsProvider reports the running state of the authorization service.
type StatsProvider interface {
	GetStats() services.Stats
}

// Server hosts the HTTP endpoints.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

func NewServer(listen string, stats StatsProvider, live *livedata.Hub, reg *prometheus.Registry, logger *slog.Logger) *Server {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/v1/stats", handleStats(stats, logger)).Methods(http.MethodGet)
	router.HandleFunc("/live/measurements", live.HandleWebSocket).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:              listen,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleStats(stats StatsProvider, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats.GetStats()); err != nil {
			logger.Error("stats encode failed", "error", err)
		}
	}
}
