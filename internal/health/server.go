// Package health serves the liveness, status and metrics endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-lake/internal/connector"
	"github.com/katasec/dstream-ingester-lake/internal/materializer"
)

// ConnectorStatus reports the state of the managed capture connector
type ConnectorStatus interface {
	Status() connector.State
}

// PipelineStatus reports per-partition progress
type PipelineStatus interface {
	Status() []materializer.PartitionStatus
}

// Server provides HTTP health endpoints
type Server struct {
	addr      string
	connector ConnectorStatus
	pipeline  PipelineStatus
	metrics   http.Handler
	started   time.Time
	log       hclog.Logger
	srv       *http.Server
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Connector     string `json:"connector"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// StatusResponse represents the status response
type StatusResponse struct {
	Connector  string                         `json:"connector"`
	Partitions []materializer.PartitionStatus `json:"partitions"`
}

// NewServer creates a new health server. connector may be nil when registration is
// skipped; metrics may be nil to disable /metrics.
func NewServer(addr string, c ConnectorStatus, p PipelineStatus, metrics http.Handler, log hclog.Logger) *Server {
	s := &Server{
		addr:      addr,
		connector: c,
		pipeline:  p,
		metrics:   metrics,
		started:   time.Now(),
		log:       log.Named("health"),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("Health server listening", "addr", s.addr)
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) connectorState() string {
	if s.connector == nil {
		return "unmanaged"
	}
	return string(s.connector.Status())
}

// handleHealth reports unhealthy once the connector has failed
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.connectorState()
	response := HealthResponse{
		Status:        "healthy",
		Connector:     state,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	code := http.StatusOK
	if state == string(connector.StateFailed) {
		response.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		Connector:  s.connectorState(),
		Partitions: []materializer.PartitionStatus{},
	}
	if s.pipeline != nil {
		response.Partitions = s.pipeline.Status()
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to write response", "error", err)
	}
}
