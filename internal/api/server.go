// Package api serves the HTTP surface: health and readiness probes, metric
// and alert JSON endpoints, the Prometheus exposition, and the WebSocket
// upgrade.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wtthornton/tappmcp/internal/alerts"
	"github.com/wtthornton/tappmcp/internal/analytics"
	"github.com/wtthornton/tappmcp/internal/broadcast"
	"github.com/wtthornton/tappmcp/internal/monitor"
)

const (
	shutdownTimeout = 5 * time.Second

	// maxHeartbeatAge is how stale the ingest worker heartbeat may be
	// before /health reports unhealthy.
	maxHeartbeatAge = 30 * time.Second

	// defaultReportWindow is the /performance aggregation window when the
	// request does not specify one.
	defaultReportWindow = time.Hour
)

// Config holds the server dependencies.
type Config struct {
	Addr       string
	Version    string
	Pipeline   *analytics.Pipeline
	Alerts     *alerts.Manager
	Supervisor *monitor.Supervisor
	Hub        *broadcast.Hub
}

// Server is the HTTP health/metrics listener.
type Server struct {
	cfg Config
	srv *http.Server
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/performance", s.handlePerformance)
	mux.Handle("/metrics/prom", cfg.Pipeline.PromHandler())
	if cfg.Hub != nil {
		mux.HandleFunc("/ws", cfg.Hub.HandleWebSocket)
	}

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("HTTP endpoint listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Msg("Failed to shut down HTTP server cleanly")
	}
	return <-errCh
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	if s.cfg.Pipeline != nil && time.Since(s.cfg.Pipeline.WorkerHeartbeat()) > maxHeartbeatAge {
		healthy = false
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	var uptime float64
	if s.cfg.Supervisor != nil {
		uptime = s.cfg.Supervisor.Uptime().Seconds()
	}
	writeJSON(w, code, map[string]any{
		"status":        status,
		"timestamp":     time.Now().UTC(),
		"uptimeSeconds": uptime,
		"memory": map[string]uint64{
			"allocBytes": memStats.Alloc,
			"sysBytes":   memStats.Sys,
			"numGC":      uint64(memStats.NumGC),
		},
		"version": s.cfg.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Supervisor == nil || !s.cfg.Supervisor.Ready() {
		body := map[string]any{
			"status":    "not-ready",
			"timestamp": time.Now().UTC(),
		}
		if s.cfg.Supervisor != nil {
			body["resources"] = s.cfg.Supervisor.ResourceStatuses()
			body["probeFailures"] = s.cfg.Supervisor.ProbeFailures()
		}
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
		"resources": s.cfg.Supervisor.ResourceStatuses(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"live":   s.cfg.Pipeline.Live(),
		"trends": s.cfg.Pipeline.Trends(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var active []*alerts.Alert
	if s.cfg.Alerts != nil {
		active = s.cfg.Alerts.Active()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": active,
		"count":  len(active),
	})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	window := defaultReportWindow
	if raw := r.URL.Query().Get("windowSec"); raw != "" {
		if sec, err := strconv.Atoi(raw); err == nil && sec > 0 {
			window = time.Duration(sec) * time.Second
		}
	}
	writeJSON(w, http.StatusOK, s.cfg.Pipeline.Report(window))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}
