package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goodtune/numcheck/internal/alert"
	"github.com/goodtune/numcheck/internal/config"
	"github.com/goodtune/numcheck/internal/gateway"
	"github.com/goodtune/numcheck/internal/quota"
	"github.com/goodtune/numcheck/internal/session"
	"github.com/goodtune/numcheck/internal/storage"
	"github.com/goodtune/numcheck/internal/storage/bolt"
	"github.com/goodtune/numcheck/internal/storage/memory"
	"github.com/goodtune/numcheck/internal/storage/redis"
	"github.com/rs/zerolog"
)

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "redis":
		return redis.Open(cfg.Redis)
	case "bolt":
		return bolt.Open(cfg.Path)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// newSessionManager wires the bridge dialer and alerts into a connection
// manager. The manager is not started.
func newSessionManager(cfg *config.Config, store storage.Store, logger zerolog.Logger) *session.Manager {
	dialer := gateway.NewDialer(gateway.Config{
		URL:              cfg.Gateway.URL,
		Token:            cfg.Gateway.Token,
		HandshakeTimeout: config.Duration(cfg.Gateway.HandshakeTimeout, 10*time.Second),
	}, logger)

	alerts := alert.New(cfg.Alerts, logger)

	return session.NewManager(dialer, store.Credentials(), alerts, session.Config{
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconnectDelay:       config.Duration(cfg.Session.ReconnectDelay, 2*time.Second),
		MaxReconnectDelay:    config.Duration(cfg.Session.MaxReconnectDelay, 2*time.Minute),
		LookupTimeout:        config.Duration(cfg.Gateway.LookupTimeout, 15*time.Second),
	}, logger)
}

func newTracker(cfg *config.Config, store storage.Store, logger zerolog.Logger) (*quota.Tracker, error) {
	loc, err := cfg.Quota.Location()
	if err != nil {
		return nil, err
	}
	return quota.NewTracker(store.Quota(), quota.Config{Location: loc}, logger), nil
}

func newPlanBook(cfg *config.Config, store storage.Store) *quota.PlanBook {
	return quota.NewPlanBook(quota.PlansFromConfig(cfg.Quota.Plans), store.Plans(), cfg.Quota.DefaultPlan)
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
