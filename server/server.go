// Package server exposes the health check and the manual poll trigger over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tweet-notifier/poll"
)

// Checker runs an on-demand cycle.
type Checker interface {
	TriggerManualCheck(ctx context.Context) (*poll.CycleStats, error)
}

// Status reports the scheduler's state for the health endpoint.
type Status interface {
	State() poll.State
	LastCycle() *poll.CycleStats
}

// Server handles HTTP requests.
type Server struct {
	checker Checker
	status  Status
	logger  *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Checker Checker
	Status  Status
	Logger  *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		checker: cfg.Checker,
		status:  cfg.Status,
		logger:  cfg.Logger,
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // a manual cycle can take a while
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status    string           `json:"status"`
	State     string           `json:"state"`
	LastCycle *poll.CycleStats `json:"last_cycle,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{Status: "healthy"}
	if s.status != nil {
		resp.State = s.status.State().String()
		resp.LastCycle = s.status.LastCycle()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type pollResponse struct {
	Status string           `json:"status"`
	Stats  *poll.CycleStats `json:"stats,omitempty"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	stats, err := s.checker.TriggerManualCheck(r.Context())
	if errors.Is(err, poll.ErrCycleInProgress) {
		s.writeJSON(w, http.StatusConflict, pollResponse{Status: "busy"})
		return
	}
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, pollResponse{Status: "completed", Stats: stats})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
