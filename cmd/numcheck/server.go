package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/numcheck/internal/api"
	"github.com/goodtune/numcheck/internal/batch"
	"github.com/goodtune/numcheck/internal/config"
	"github.com/goodtune/numcheck/internal/metrics"
	"github.com/goodtune/numcheck/internal/quota"
	"github.com/goodtune/numcheck/internal/session"
	"github.com/goodtune/numcheck/internal/systemd"
	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start numcheck server",
	Long:  `Start the numcheck API server, the shared messaging session and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting numcheck")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Storage faults at startup are fatal
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Msg("Storage initialized")

	// Quota
	tracker, err := newTracker(cfg, store, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize quota tracker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracker.ResetIfDue(ctx); err != nil {
		return fmt.Errorf("failed to read quota state: %w", err)
	}

	resetScheduler := quota.NewResetScheduler(tracker, logger)
	resetScheduler.Start()
	logger.Info().Msg("Reset Scheduler initialized")

	plans := newPlanBook(cfg, store)

	// Session
	manager := newSessionManager(cfg, store, logger)
	if cfg.Session.PrintQR {
		manager.OnChallenge(func(challenge string) {
			fmt.Fprintln(os.Stderr, "Scan this code with the messaging app to pair:")
			qrterminal.GenerateHalfBlock(challenge, qrterminal.L, os.Stderr)
		})
	}

	go func() {
		if err := manager.Start(ctx); err != nil && ctx.Err() == nil {
			// The API keeps serving; /status reports the session as down
			logger.Error().Err(err).Msg("Session failed to start")
		}
	}()

	// API
	coordinator := batch.NewCoordinator(tracker, manager, logger)

	apiServer := api.NewServer(api.Config{
		ListenAddr:       fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort),
		ReadTimeout:      config.Duration(cfg.Server.ReadTimeout, 30*time.Second),
		WriteTimeout:     config.Duration(cfg.Server.WriteTimeout, 5*time.Minute),
		MaxUploadSize:    cfg.Server.MaxUploadSize,
		MaxBatchSize:     cfg.Server.MaxBatchSize,
		TrustForwarded:   cfg.Server.TrustForwardedFor,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AnonymousPlan:    cfg.Quota.AnonymousPlan,
		RateLimitEnabled: cfg.RateLimit.Enabled,
		RateLimit:        cfg.RateLimit.Rate,
		RateBurst:        cfg.RateLimit.Burst,
		RateCacheSize:    cfg.RateLimit.CacheSize,
		RateIdleTTL:      config.Duration(cfg.RateLimit.IdleTTL, 10*time.Minute),
		JWTSecret:        cfg.Auth.JWTSecret,
		TierClaim:        cfg.Auth.TierClaim,
		AdminToken:       cfg.Auth.AdminToken,
	}, manager, coordinator, tracker, plans, logger)

	if sdListeners.Activated && sdListeners.HTTP != nil {
		apiServer.SetListener(sdListeners.HTTP)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Metrics
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || (sdListeners.Activated && sdListeners.Metrics != nil) {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	logger.Info().Msg("numcheck startup complete")
	logger.Info().Msgf("API: http://%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	go systemd.RunWatchdog(ctx, logger)
	go reportSessionStatus(ctx, manager)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	cancel()
	manager.Stop()
	resetScheduler.Stop()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("numcheck stopped")

	return nil
}

// reportSessionStatus mirrors the connection state into the systemd status
// line.
func reportSessionStatus(ctx context.Context, m *session.Manager) {
	for {
		changed := m.Changed()
		_ = systemd.NotifyStatus("session " + string(m.State()))

		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}
