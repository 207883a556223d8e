package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Session   SessionConfig   `mapstructure:"session"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	HTTPPort          int      `mapstructure:"http_port"`
	MetricsPort       int      `mapstructure:"metrics_port"`
	BindAddress       string   `mapstructure:"bind_address"`
	ReadTimeout       string   `mapstructure:"read_timeout"`
	WriteTimeout      string   `mapstructure:"write_timeout"`
	MaxUploadSize     int64    `mapstructure:"max_upload_size"` // bytes accepted by /upload
	MaxBatchSize      int      `mapstructure:"max_batch_size"`
	TrustForwardedFor bool     `mapstructure:"trust_x_forwarded_for"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
}

// GatewayConfig defines how the messaging bridge is reached
type GatewayConfig struct {
	URL              string `mapstructure:"url"`
	Token            string `mapstructure:"token"`
	HandshakeTimeout string `mapstructure:"handshake_timeout"`
	LookupTimeout    string `mapstructure:"lookup_timeout"`
}

// SessionConfig defines the reconnect policy of the shared session
type SessionConfig struct {
	MaxReconnectAttempts uint   `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       string `mapstructure:"reconnect_delay"`
	MaxReconnectDelay    string `mapstructure:"max_reconnect_delay"`
	PrintQR              bool   `mapstructure:"print_qr"`
}

// PlanConfig is the limit pair for one plan tier. Negative means unbounded.
type PlanConfig struct {
	DailyLimit   int64 `mapstructure:"daily_limit"`
	MonthlyLimit int64 `mapstructure:"monthly_limit"`
}

// QuotaConfig defines plan limits and reset policy
type QuotaConfig struct {
	Timezone      string                `mapstructure:"timezone"`
	DefaultPlan   string                `mapstructure:"default_plan"`
	AnonymousPlan string                `mapstructure:"anonymous_plan"`
	Plans         map[string]PlanConfig `mapstructure:"plans"`
}

// RateLimitConfig defines the per-client token bucket on /check
type RateLimitConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Rate      float64 `mapstructure:"rate"`
	Burst     int     `mapstructure:"burst"`
	CacheSize int     `mapstructure:"cache_size"`
	IdleTTL   string  `mapstructure:"idle_ttl"`
}

// AuthConfig defines bearer token handling
type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret"`
	TierClaim  string `mapstructure:"tier_claim"`
	AdminToken string `mapstructure:"admin_token"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Path  string      `mapstructure:"path"`
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AlertsConfig defines operator mail alerts
type AlertsConfig struct {
	SMTPHost   string   `mapstructure:"smtp_host"`
	SMTPPort   int      `mapstructure:"smtp_port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	Sender     string   `mapstructure:"sender"`
	Recipients []string `mapstructure:"recipients"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	v.SetEnvPrefix("NUMCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The service historically listened on $PORT
	_ = v.BindEnv("server.http_port", "NUMCHECK_SERVER_HTTP_PORT", "PORT")

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			if !isNotFound(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// isNotFound reports whether a missing config file should fall back to defaults
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 3000)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.max_upload_size", 5<<20)
	v.SetDefault("server.max_batch_size", 10000)
	v.SetDefault("server.trust_x_forwarded_for", false)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Gateway defaults
	v.SetDefault("gateway.url", "ws://127.0.0.1:8080/session")
	v.SetDefault("gateway.handshake_timeout", "10s")
	v.SetDefault("gateway.lookup_timeout", "15s")

	// Session defaults
	v.SetDefault("session.max_reconnect_attempts", 8)
	v.SetDefault("session.reconnect_delay", "2s")
	v.SetDefault("session.max_reconnect_delay", "2m")
	v.SetDefault("session.print_qr", true)

	// Quota defaults
	v.SetDefault("quota.timezone", "Local")
	v.SetDefault("quota.default_plan", "free")
	v.SetDefault("quota.anonymous_plan", "free")
	v.SetDefault("quota.plans", map[string]any{
		"free":    map[string]any{"daily_limit": 10, "monthly_limit": 100},
		"starter": map[string]any{"daily_limit": -1, "monthly_limit": 10000},
		"power":   map[string]any{"daily_limit": -1, "monthly_limit": -1},
	})

	// Rate limit defaults
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rate", 2.0)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("rate_limit.cache_size", 10000)
	v.SetDefault("rate_limit.idle_ttl", "10m")

	// Auth defaults
	v.SetDefault("auth.tier_claim", "subscription_tier")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.path", "/var/lib/numcheck/numcheck.bolt")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "numcheck")
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Alert defaults
	v.SetDefault("alerts.smtp_port", 587)
	v.SetDefault("alerts.recipients", []string{})
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	for name, value := range map[string]string{
		"server.read_timeout":         cfg.Server.ReadTimeout,
		"server.write_timeout":        cfg.Server.WriteTimeout,
		"gateway.handshake_timeout":   cfg.Gateway.HandshakeTimeout,
		"gateway.lookup_timeout":      cfg.Gateway.LookupTimeout,
		"session.reconnect_delay":     cfg.Session.ReconnectDelay,
		"session.max_reconnect_delay": cfg.Session.MaxReconnectDelay,
		"rate_limit.idle_ttl":         cfg.RateLimit.IdleTTL,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}

	if cfg.Gateway.URL == "" {
		return fmt.Errorf("gateway url is required")
	}
	if cfg.Session.MaxReconnectAttempts == 0 {
		return fmt.Errorf("session.max_reconnect_attempts must be at least 1")
	}

	if len(cfg.Quota.Plans) == 0 {
		return fmt.Errorf("at least one quota plan is required")
	}
	if _, ok := cfg.Quota.Plans[cfg.Quota.DefaultPlan]; !ok {
		return fmt.Errorf("default plan %q is not defined", cfg.Quota.DefaultPlan)
	}
	if _, ok := cfg.Quota.Plans[cfg.Quota.AnonymousPlan]; !ok {
		return fmt.Errorf("anonymous plan %q is not defined", cfg.Quota.AnonymousPlan)
	}
	if _, err := cfg.Quota.Location(); err != nil {
		return fmt.Errorf("invalid quota timezone %q: %w", cfg.Quota.Timezone, err)
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.Rate <= 0 || cfg.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.rate and rate_limit.burst must be positive")
	}

	if len(cfg.Alerts.Recipients) > 0 && cfg.Alerts.SMTPHost == "" {
		return fmt.Errorf("alerts.smtp_host is required when recipients are set")
	}

	switch cfg.Storage.Type {
	case "", "redis":
		cfg.Storage.Type = "redis"
	case "memory":
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return nil
}

// Location resolves the time zone used for calendar-day boundaries
func (q QuotaConfig) Location() (*time.Location, error) {
	if q.Timezone == "" || q.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(q.Timezone)
}

// Duration parses a duration string, falling back when empty or invalid
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Defaults returns the configuration built from defaults alone, without
// validation side effects.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// optionalKeys are valid keys that carry no default
var optionalKeys = []string{
	"gateway.token",
	"auth.jwt_secret",
	"auth.admin_token",
	"storage.redis.password",
	"alerts.smtp_host",
	"alerts.username",
	"alerts.password",
	"alerts.sender",
}

// KnownKey reports whether key is a recognised configuration key. Plan
// tiers under quota.plans are free-form.
func KnownKey(key string) bool {
	if rest, ok := strings.CutPrefix(key, "quota.plans."); ok {
		return strings.HasSuffix(rest, ".daily_limit") || strings.HasSuffix(rest, ".monthly_limit")
	}

	v := viper.New()
	setDefaults(v)
	for _, k := range v.AllKeys() {
		if k == key {
			return true
		}
	}
	for _, k := range optionalKeys {
		if k == key {
			return true
		}
	}
	return false
}
