package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// HTTP metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "numcheck_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "numcheck_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimitedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "numcheck_rate_limited_requests_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
	)

	// Lookup metrics
	LookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "numcheck_lookups_total",
			Help: "Number lookups by outcome",
		},
		[]string{"result"},
	)

	LookupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "numcheck_lookup_duration_seconds",
			Help:    "Remote lookup duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "numcheck_batch_size",
			Help:    "Numbers per batch request",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// Quota metrics
	QuotaDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "numcheck_quota_decisions_total",
			Help: "Quota gate decisions by outcome",
		},
		[]string{"decision"},
	)

	QuotaResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "numcheck_quota_resets_total",
			Help: "Applied quota counter resets",
		},
		[]string{"window"},
	)

	// Session metrics
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "numcheck_connection_state",
			Help: "Current connection state of the shared session (1 for the active state)",
		},
		[]string{"state"},
	)

	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "numcheck_reconnect_attempts_total",
			Help: "Reconnect attempts made after a dropped session",
		},
	)

	ReconnectGiveUps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "numcheck_reconnect_give_ups_total",
			Help: "Times the reconnect policy exhausted its attempts",
		},
	)

	SessionInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "numcheck_session_invalidations_total",
			Help: "Times the remote rejected the session credentials",
		},
	)

	CredentialRotations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "numcheck_credential_rotations_total",
			Help: "Credential updates persisted",
		},
	)

	PairingChallenges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "numcheck_pairing_challenges_total",
			Help: "Pairing challenges issued by the remote",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		RateLimitedRequests,
		LookupsTotal,
		LookupDuration,
		BatchSize,
		QuotaDecisions,
		QuotaResets,
		ConnectionState,
		ReconnectAttempts,
		ReconnectGiveUps,
		SessionInvalidations,
		CredentialRotations,
		PairingChallenges,
	)
}

// SetConnectionState marks state as the only active connection state
func SetConnectionState(state string, all ...string) {
	for _, s := range all {
		ConnectionState.WithLabelValues(s).Set(0)
	}
	ConnectionState.WithLabelValues(state).Set(1)
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
