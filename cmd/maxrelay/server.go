package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"maxrelay/internal/constants"
	"maxrelay/internal/metrics"
	"maxrelay/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server exposes the operational surface of the relay: liveness and the
// metrics registry. It serves no message traffic.
type Server struct {
	router      *mux.Router
	logger      *logrus.Logger
	coordinator *service.RelayCoordinator
	listener    service.SourceListener
	port        string
	server      *http.Server
}

func NewServer(port string, coordinator *service.RelayCoordinator, listener service.SourceListener, logger *logrus.Logger) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		logger:      logger,
		coordinator: coordinator,
		listener:    listener,
		port:        port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%s", s.port),
		Handler:      s.router,
		ReadTimeout:  constants.ServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.ServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.ServerIdleTimeoutSec * time.Second,
	}

	s.logger.Infof("Starting status server on port %s", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleHealth reports degraded when the source stream has terminated,
// since the process is then only useful for the command bot.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if s.listener.Err() != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    status,
			"pipelines": s.coordinator.Running(),
		}); err != nil {
			s.logger.WithError(err).Error("Failed to encode health response")
		}
	}
}

// handleMetrics dumps the global metrics registry as JSON.
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(metrics.GetAllMetrics()); err != nil {
			s.logger.WithError(err).Error("Failed to encode metrics response")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}
