package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Accounting metrics
	SessionsFinalized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitetime_sessions_finalized_total",
			Help: "Total sessions finalized into the outbox",
		},
	)

	SessionsDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitetime_sessions_discarded_total",
			Help: "Intervals dropped for being shorter than the minimum session duration",
		},
	)

	SessionsCapped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitetime_sessions_capped_total",
			Help: "Intervals truncated to the maximum session duration",
		},
	)

	SessionsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitetime_sessions_recovered_total",
			Help: "Dangling intervals converted into sessions at startup",
		},
	)

	TrackedSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitetime_tracked_seconds_total",
			Help: "Total finalized seconds per host",
		},
		[]string{"host"},
	)

	OutboxSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitetime_outbox_sessions",
			Help: "Number of finalized sessions awaiting delivery",
		},
	)

	PersistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitetime_persist_errors_total",
			Help: "Failed snapshot writes",
		},
	)

	// Event loop metrics
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitetime_events_processed_total",
			Help: "Events handled by the accounting loop",
		},
		[]string{"event"},
	)

	// Flush metrics
	FlushAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitetime_flush_attempts_total",
			Help: "Flush attempts by outcome",
		},
		[]string{"result"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitetime_flush_duration_seconds",
			Help:    "Time spent delivering a batch to the sink",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	SessionsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitetime_sessions_delivered_total",
			Help: "Sessions confirmed delivered to the sink",
		},
	)

	// Collector metrics
	CollectorSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitetime_collector_sessions_total",
			Help: "Sessions received by the collector by outcome",
		},
		[]string{"result"},
	)

	// Live update metrics
	LiveSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitetime_live_subscribers",
			Help: "Number of connected live-update observers",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsFinalized,
		SessionsDiscarded,
		SessionsCapped,
		SessionsRecovered,
		TrackedSeconds,
		OutboxSize,
		PersistErrors,
		EventsProcessed,
		FlushAttempts,
		FlushDuration,
		SessionsDelivered,
		CollectorSessions,
		LiveSubscribers,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
