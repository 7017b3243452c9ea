package collector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitetime/internal/storage"
)

// Server is the collector HTTP server.
type Server struct {
	addr     string
	router   *mux.Router
	server   *http.Server
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a collector server on addr backed by store.
func NewServer(addr string, store storage.CollectorStore, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "collector").Logger()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	NewHandler(store, logger).Register(router)

	return &Server{
		addr:   addr,
		router: router,
		// Flush bodies are not size capped: an agent sends its whole outbox
		// in one batch, and that outbox grows for as long as we are down.
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the collector server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("Starting collector")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated collector listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Collector server error")
		}
	}()
	return nil
}

// Stop gracefully stops the collector server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping collector")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("collector shutdown: %w", err)
	}
	return nil
}
