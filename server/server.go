// Package server hosts the daemon's operational HTTP surface: health,
// metrics, a debug view of the tracked positions, and the admin trigger
// for ledger exports.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"liquidatord/monitor"
)

// EngineStatus is the monitoring engine surface the server reports on.
type EngineStatus interface {
	Tracked() int
	LastBlock() uint64
	LastSweep() time.Time
	Positions() []monitor.PositionStatus
}

// OracleStatus reports whether the price cache has been seeded.
type OracleStatus interface {
	Seeded() bool
}

// Exporter writes a ledger report for a time window and returns its path
// and row count.
type Exporter interface {
	Export(ctx context.Context, dir string, start, end time.Time) (string, int, error)
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	AdminToken    string
	ExportDir     string

	// StaleSweepAfter marks the engine unhealthy when no sweep completed
	// within this window. Defaults to a minute.
	StaleSweepAfter time.Duration
}

// Server hosts the ops endpoints.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	engine   EngineStatus
	oracle   OracleStatus
	exporter Exporter
}

// New constructs the ops server.
func New(cfg Config, engine EngineStatus, oracle OracleStatus, exporter Exporter, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine status is required")
	}
	if oracle == nil {
		return nil, fmt.Errorf("oracle status is required")
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":9464"
	}
	if cfg.StaleSweepAfter <= 0 {
		cfg.StaleSweepAfter = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger, engine: engine, oracle: oracle, exporter: exporter}, nil
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/healthz", otelhttp.NewHandler(http.HandlerFunc(s.handleHealth), "healthz"))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Method(http.MethodGet, "/positions", otelhttp.NewHandler(http.HandlerFunc(s.handlePositions), "positions"))
	r.Method(http.MethodPost, "/admin/ledger/export", otelhttp.NewHandler(s.requireAdmin(s.handleExport), "ledger_export"))
	return r
}

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("server: ops endpoints listening", "addr", s.cfg.ListenAddress)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown ops server: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops server: %w", err)
	}
}

type healthResponse struct {
	Status       string `json:"status"`
	OracleSeeded bool   `json:"oracle_seeded"`
	Tracked      int    `json:"tracked_positions"`
	LastBlock    uint64 `json:"last_block_indexed"`
	LastSweep    string `json:"last_sweep,omitempty"`
	SweepAge     string `json:"sweep_age,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		OracleSeeded: s.oracle.Seeded(),
		Tracked:      s.engine.Tracked(),
		LastBlock:    s.engine.LastBlock(),
	}
	if !resp.OracleSeeded {
		resp.Status = "starting"
	}
	if last := s.engine.LastSweep(); !last.IsZero() {
		age := time.Since(last)
		resp.LastSweep = last.UTC().Format(time.RFC3339)
		resp.SweepAge = age.Truncate(time.Millisecond).String()
		if age > s.cfg.StaleSweepAfter {
			resp.Status = "degraded"
		}
	}
	code := http.StatusOK
	if resp.Status == "degraded" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": s.engine.Positions(),
	})
}

type exportRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		http.Error(w, "ledger export not configured", http.StatusNotImplemented)
		return
	}
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid export window", http.StatusBadRequest)
		return
	}
	if req.End.IsZero() {
		req.End = time.Now().UTC()
	}
	if req.Start.IsZero() {
		req.Start = req.End.Add(-24 * time.Hour)
	}
	if !req.End.After(req.Start) {
		http.Error(w, "export window end must follow start", http.StatusBadRequest)
		return
	}
	path, rows, err := s.exporter.Export(r.Context(), s.cfg.ExportDir, req.Start, req.End)
	if err != nil {
		s.logger.Error("server: ledger export failed", "err", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path": path,
		"rows": rows,
	})
}

// requireAdmin gates an endpoint behind the configured bearer token. With
// no token configured the endpoint is disabled outright rather than open.
func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(s.cfg.AdminToken)
		if token == "" {
			http.Error(w, "admin endpoints disabled", http.StatusForbidden)
			return
		}
		supplied := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
