// Package api is the local HTTP surface the tab-observation layer talks to:
// it posts host and focus changes, edits the tracking policy and subscribes
// to live updates.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitetime/internal/accounting"
	"github.com/goodtune/sitetime/internal/engine"
	"github.com/goodtune/sitetime/internal/flush"
)

// Dispatcher serializes work onto the accounting loop.
type Dispatcher interface {
	Submit(ctx context.Context, ev engine.Event) error
	Do(ctx context.Context, fn func(*accounting.Accountant)) error
	Flush(ctx context.Context) (flush.Result, error)
}

// Config holds the API server configuration.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Server is the local event API.
type Server struct {
	config     Config
	dispatcher Dispatcher
	live       http.Handler
	router     *mux.Router
	server     *http.Server
	listener   net.Listener // Optional pre-created listener (for systemd socket activation)
	logger     zerolog.Logger

	// baseCtx parents every request context; it is cancelled on shutdown so
	// live streams return instead of holding Shutdown open.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates the API server. live serves the update stream.
func NewServer(cfg Config, dispatcher Dispatcher, live http.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		config:     cfg,
		dispatcher: dispatcher,
		live:       live,
		router:     mux.NewRouter(),
		logger:     logger.With().Str("component", "api").Logger(),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	s.setupRoutes()

	// No WriteTimeout: the live stream is long-lived.
	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	s.server.RegisterOnShutdown(s.cancelBase)

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	// Preflights are answered by the CORS middleware, so OPTIONS is only
	// routed when it is installed.
	post, put := []string{"POST"}, []string{"PUT"}
	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
		post, put = append(post, "OPTIONS"), append(put, "OPTIONS")
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/events/host", s.handleHostEvent).Methods(post...)
	s.router.HandleFunc("/api/events/focus", s.handleFocusEvent).Methods(post...)

	s.router.HandleFunc("/api/policy", s.handleGetPolicy).Methods("GET")
	s.router.HandleFunc("/api/policy", s.handleUpdatePolicy).Methods(put...)

	s.router.HandleFunc("/api/state", s.handleState).Methods("GET")
	s.router.HandleFunc("/api/flush", s.handleFlush).Methods(post...)

	if s.live != nil {
		s.router.Handle("/api/live", s.live).Methods("GET")
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting event API")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Event API error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping event API")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("event API shutdown: %w", err)
	}

	return nil
}
