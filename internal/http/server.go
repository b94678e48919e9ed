package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tagflow/tagflow/pkg/logger"
)

// Server is the ingress HTTP API: event ingestion plus operator endpoints
type Server struct {
	server *http.Server
	events *EventHandler
	logger logger.Logger
}

// NewServer creates a new Server with the given handlers registered
func NewServer(addr string, log logger.Logger, events *EventHandler, rules *RuleHandler) *Server {
	mux := http.NewServeMux()
	events.RegisterRoutes(mux)
	rules.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return &Server{
		events: events,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: log,
	}
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.events.Close()
	return s.server.Shutdown(ctx)
}
