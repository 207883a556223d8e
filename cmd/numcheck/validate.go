package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/numcheck/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the numcheck configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !config.KnownKey(key) {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Server
	_, _ = cyan.Println("\n[server]")
	dumpField("  http_port", cfg.Server.HTTPPort, defaultCfg.Server.HTTPPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  read_timeout", cfg.Server.ReadTimeout, defaultCfg.Server.ReadTimeout, yellow, green)
	dumpField("  write_timeout", cfg.Server.WriteTimeout, defaultCfg.Server.WriteTimeout, yellow, green)
	dumpField("  max_upload_size", cfg.Server.MaxUploadSize, defaultCfg.Server.MaxUploadSize, yellow, green)
	dumpField("  max_batch_size", cfg.Server.MaxBatchSize, defaultCfg.Server.MaxBatchSize, yellow, green)
	dumpField("  trust_x_forwarded_for", cfg.Server.TrustForwardedFor, defaultCfg.Server.TrustForwardedFor, yellow, green)
	dumpField("  allowed_origins", cfg.Server.AllowedOrigins, defaultCfg.Server.AllowedOrigins, yellow, green)

	// Gateway
	_, _ = cyan.Println("\n[gateway]")
	dumpField("  url", cfg.Gateway.URL, defaultCfg.Gateway.URL, yellow, green)
	dumpField("  token", redactPassword(cfg.Gateway.Token), redactPassword(defaultCfg.Gateway.Token), yellow, green)
	dumpField("  handshake_timeout", cfg.Gateway.HandshakeTimeout, defaultCfg.Gateway.HandshakeTimeout, yellow, green)
	dumpField("  lookup_timeout", cfg.Gateway.LookupTimeout, defaultCfg.Gateway.LookupTimeout, yellow, green)

	// Session
	_, _ = cyan.Println("\n[session]")
	dumpField("  max_reconnect_attempts", cfg.Session.MaxReconnectAttempts, defaultCfg.Session.MaxReconnectAttempts, yellow, green)
	dumpField("  reconnect_delay", cfg.Session.ReconnectDelay, defaultCfg.Session.ReconnectDelay, yellow, green)
	dumpField("  max_reconnect_delay", cfg.Session.MaxReconnectDelay, defaultCfg.Session.MaxReconnectDelay, yellow, green)
	dumpField("  print_qr", cfg.Session.PrintQR, defaultCfg.Session.PrintQR, yellow, green)

	// Quota
	_, _ = cyan.Println("\n[quota]")
	dumpField("  timezone", cfg.Quota.Timezone, defaultCfg.Quota.Timezone, yellow, green)
	dumpField("  default_plan", cfg.Quota.DefaultPlan, defaultCfg.Quota.DefaultPlan, yellow, green)
	dumpField("  anonymous_plan", cfg.Quota.AnonymousPlan, defaultCfg.Quota.AnonymousPlan, yellow, green)
	names := make([]string, 0, len(cfg.Quota.Plans))
	for name := range cfg.Quota.Plans {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = cyan.Printf("  [quota.plans.%s]\n", name)
		plan := cfg.Quota.Plans[name]
		def := defaultCfg.Quota.Plans[name]
		dumpField("    daily_limit", plan.DailyLimit, def.DailyLimit, yellow, green)
		dumpField("    monthly_limit", plan.MonthlyLimit, def.MonthlyLimit, yellow, green)
	}

	// Rate limit
	_, _ = cyan.Println("\n[rate_limit]")
	dumpField("  enabled", cfg.RateLimit.Enabled, defaultCfg.RateLimit.Enabled, yellow, green)
	dumpField("  rate", cfg.RateLimit.Rate, defaultCfg.RateLimit.Rate, yellow, green)
	dumpField("  burst", cfg.RateLimit.Burst, defaultCfg.RateLimit.Burst, yellow, green)
	dumpField("  cache_size", cfg.RateLimit.CacheSize, defaultCfg.RateLimit.CacheSize, yellow, green)
	dumpField("  idle_ttl", cfg.RateLimit.IdleTTL, defaultCfg.RateLimit.IdleTTL, yellow, green)

	// Auth
	_, _ = cyan.Println("\n[auth]")
	dumpField("  jwt_secret", redactPassword(cfg.Auth.JWTSecret), redactPassword(defaultCfg.Auth.JWTSecret), yellow, green)
	dumpField("  tier_claim", cfg.Auth.TierClaim, defaultCfg.Auth.TierClaim, yellow, green)
	dumpField("  admin_token", redactPassword(cfg.Auth.AdminToken), redactPassword(defaultCfg.Auth.AdminToken), yellow, green)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    key_prefix", cfg.Storage.Redis.KeyPrefix, defaultCfg.Storage.Redis.KeyPrefix, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Alerts
	_, _ = cyan.Println("\n[alerts]")
	dumpField("  smtp_host", cfg.Alerts.SMTPHost, defaultCfg.Alerts.SMTPHost, yellow, green)
	dumpField("  smtp_port", cfg.Alerts.SMTPPort, defaultCfg.Alerts.SMTPPort, yellow, green)
	dumpField("  username", cfg.Alerts.Username, defaultCfg.Alerts.Username, yellow, green)
	dumpField("  password", redactPassword(cfg.Alerts.Password), redactPassword(defaultCfg.Alerts.Password), yellow, green)
	dumpField("  sender", cfg.Alerts.Sender, defaultCfg.Alerts.Sender, yellow, green)
	dumpField("  recipients", cfg.Alerts.Recipients, defaultCfg.Alerts.Recipients, yellow, green)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts secrets if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
