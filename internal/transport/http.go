// Package transport serves the settleload HTTP API: run status, throughput
// reports, persisted history, a WebSocket stream, health probes and
// Prometheus metrics.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/settleload/pkg/types"
)

// ErrHistoryDisabled is returned by RunAPI history methods when persistence
// is not configured.
var ErrHistoryDisabled = errors.New("run history is disabled")

// RunAPI is what the handlers need from the running process.
type RunAPI interface {
	Status() types.RunStatus
	Reports() []types.ThroughputReport
	GetHistory(ctx context.Context, limit, offset int) (*types.HistoryResponse, error)
	// GetRunDetail returns nil, nil when the run does not exist.
	GetRunDetail(ctx context.Context, id string) (*types.RunDetail, error)
}

// HealthChecker checks the settlement backend.
type HealthChecker interface {
	Backend() string
	CheckBackend(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	api       RunAPI
	health    HealthChecker
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(api RunAPI, health HealthChecker, gatherer prometheus.Gatherer, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		api:       api,
		health:    health,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  NewWebSocketServer(api, logger),
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			s.corsAllowedOrigins = append(s.corsAllowedOrigins, strings.TrimSpace(o))
		}
	}

	return s
}

// WebSocket returns the stream server so the pipeline can publish reports
// into it.
func (s *Server) WebSocket() *WebSocketServer {
	return s.wsServer
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/reports", s.corsMiddleware(s.handleReports))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned, standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wsServer.Start()
	defer s.wsServer.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	return nil
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.api.Status())
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reports := s.api.Reports()
	if reports == nil {
		reports = []types.ThroughputReport{}
	}
	s.writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	offset := 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	result, err := s.api.GetHistory(r.Context(), limit, offset)
	if err != nil {
		s.writeHistoryError(w, "Failed to get history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleHistoryDetail handles /v1/history/{id}.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/history/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}

	detail, err := s.api.GetRunDetail(r.Context(), id)
	if err != nil {
		s.writeHistoryError(w, "Failed to get run", err)
		return
	}
	if detail == nil {
		s.writeJSONError(w, "Run not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) writeHistoryError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, ErrHistoryDisabled) {
		s.writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.logger.Error(msg, slog.String("error", err.Error()))
	s.writeJSONError(w, msg+": "+err.Error(), http.StatusInternalServerError)
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{
		Status: "healthy",
		Phase:  string(s.api.Status().Phase),
	}
	if s.health != nil {
		resp.Backend = s.health.Backend()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleReady reports whether the settlement backend answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{Status: "ready"}
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Backend = s.health.Backend()
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.health.CheckBackend(ctx); err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
