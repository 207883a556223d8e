// Package api serves the HTTP interface: session status and pairing,
// quota-gated number checks, list uploads and usage views.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/numcheck/internal/batch"
	"github.com/goodtune/numcheck/internal/quota"
	"github.com/goodtune/numcheck/internal/session"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Session is the part of the connection manager the API needs.
type Session interface {
	Status() session.Status
	PairingChallenge() (string, bool)
	Start(ctx context.Context) error
}

// Config holds the API server configuration.
type Config struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadSize  int64
	MaxBatchSize   int
	TrustForwarded bool
	AllowedOrigins []string
	AnonymousPlan  string

	RateLimitEnabled bool
	RateLimit        float64
	RateBurst        int
	RateCacheSize    int
	RateIdleTTL      time.Duration

	JWTSecret  string
	TierClaim  string
	AdminToken string
}

// Server is the public HTTP server.
type Server struct {
	config      Config
	session     Session
	coordinator *batch.Coordinator
	tracker     *quota.Tracker
	plans       *quota.PlanBook
	verifier    *TokenVerifier
	rateLimiter *RateLimiter
	server      *http.Server
	listener    net.Listener
	router      *mux.Router
	handler     http.Handler
	logger      zerolog.Logger
}

// NewServer creates the API server.
func NewServer(cfg Config, sess Session, coordinator *batch.Coordinator, tracker *quota.Tracker, plans *quota.PlanBook, logger zerolog.Logger) *Server {
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = 5 << 20
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 10000
	}
	if cfg.AnonymousPlan == "" {
		cfg.AnonymousPlan = "free"
	}

	s := &Server{
		config:      cfg,
		session:     sess,
		coordinator: coordinator,
		tracker:     tracker,
		plans:       plans,
		verifier:    NewTokenVerifier(cfg.JWTSecret, cfg.TierClaim),
		router:      mux.NewRouter(),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	if cfg.RateLimitEnabled {
		s.rateLimiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.RateCacheSize, cfg.RateIdleTTL)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	// CORS wraps the router so preflights reach it for every path
	s.handler = s.router
	if len(s.config.AllowedOrigins) > 0 {
		s.handler = CORSMiddleware(s.config.AllowedOrigins)(s.router)
	}

	// Session
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/qr", s.handleQR).Methods("GET")

	// Checks
	checks := s.router.NewRoute().Subrouter()
	checks.Use(AuthMiddleware(s.verifier))

	var check http.Handler = http.HandlerFunc(s.handleCheck)
	if s.rateLimiter != nil {
		check = RateLimitMiddleware(s.rateLimiter, s.config.TrustForwarded)(check)
	}
	checks.Handle("/check", check).Methods("POST")

	checks.HandleFunc("/check-single", s.handleCheckSingle).Methods("POST")
	checks.HandleFunc("/check-bulk", s.handleCheckBulk).Methods("POST")
	checks.HandleFunc("/upload", s.handleUpload).Methods("POST")
	checks.HandleFunc("/usage/{identity}", s.handleUsage).Methods("GET")

	// Admin
	admin := s.router.PathPrefix("/session").Subrouter()
	admin.Use(AdminMiddleware(s.config.AdminToken))
	admin.HandleFunc("/start", s.handleSessionStart).Methods("POST")
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetListener sets a pre-configured listener (e.g., from systemd socket activation)
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	var ln net.Listener
	if s.listener != nil {
		ln = s.listener
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Using systemd socket activation")
	} else {
		var err error
		ln, err = net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.config.ListenAddr, err)
		}
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}
