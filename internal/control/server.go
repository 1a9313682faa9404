package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/gwcore/internal/core/domain"
)

// Server provides HTTP endpoints for health monitoring and operator
// actions.
type Server struct {
	core   *Core
	server *http.Server
}

// NewServer creates a new ops server.
func NewServer(core *Core, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		core: core,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/degrade/ack", s.handleAck)
	mux.HandleFunc("/session/reconnect", s.handleReconnect)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth answers load-balancer checks: 200 only when the session
// is READY and capital-preservation mode is clear.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK

	if s.core.SafeModeActive() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	} else if s.core.manager.CurrentState() != domain.StateReady {
		status = "connecting"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.core.manager.Snapshot()
	resp := map[string]any{
		"session":          sess,
		"health":           s.core.monitor.Snapshot(),
		"safe_mode_active": s.core.SafeModeActive(),
	}
	if ev := s.core.coordinator.OpenEvent(); ev != nil {
		resp["degradation"] = ev
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleAck lets an operator acknowledge an authentication-failure
// degradation after completing 2FA out-of-band.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.core.coordinator.Acknowledge()
	w.WriteHeader(http.StatusNoContent)
}

// handleReconnect forces a session teardown and rebuild.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.core.manager.ForceReconnect("operator request")
	w.WriteHeader(http.StatusAccepted)
}
