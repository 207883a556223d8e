package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPPort != 3000 {
		t.Errorf("Expected http_port 3000, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Storage.Type != "redis" {
		t.Errorf("Expected storage type redis, got %s", cfg.Storage.Type)
	}

	free, ok := cfg.Quota.Plans["free"]
	if !ok {
		t.Fatal("Expected free plan to be defined")
	}
	if free.DailyLimit != 10 || free.MonthlyLimit != 100 {
		t.Errorf("Unexpected free plan limits: %+v", free)
	}
	if power := cfg.Quota.Plans["power"]; power.DailyLimit >= 0 || power.MonthlyLimit >= 0 {
		t.Errorf("Expected power plan to be unbounded, got %+v", power)
	}
}

func TestLoad_PortFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "8088")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.HTTPPort != 8088 {
		t.Errorf("Expected http_port 8088 from PORT, got %d", cfg.Server.HTTPPort)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "numcheck.yaml")
	content := `
server:
  http_port: 4000
storage:
  type: bolt
  path: ` + filepath.Join(dir, "data", "numcheck.bolt") + `
quota:
  plans:
    free:
      daily_limit: 3
      monthly_limit: 30
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPPort != 4000 {
		t.Errorf("Expected http_port 4000, got %d", cfg.Server.HTTPPort)
	}
	if got := cfg.Quota.Plans["free"].DailyLimit; got != 3 {
		t.Errorf("Expected free daily limit 3, got %d", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Errorf("Expected storage directory to be created: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: true},
		{name: "unknown default plan", mutate: func(c *Config) { c.Quota.DefaultPlan = "gold" }, wantErr: true},
		{name: "bad timezone", mutate: func(c *Config) { c.Quota.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "bad duration", mutate: func(c *Config) { c.Session.ReconnectDelay = "soon" }, wantErr: true},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "sqlite" }, wantErr: true},
		{name: "alerts without host", mutate: func(c *Config) { c.Alerts.Recipients = []string{"ops@example.com"} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)

			err = validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKnownKey(t *testing.T) {
	tests := map[string]bool{
		"server.http_port":              true,
		"storage.redis.password":        true,
		"quota.plans.gold.daily_limit":  true,
		"quota.plans.gold.weekly_limit": false,
		"server.https_port":             false,
		"auth.admin_token":              true,
		"rate_limit.burst":              true,
	}
	for key, want := range tests {
		if got := KnownKey(key); got != want {
			t.Errorf("KnownKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Quota.DefaultPlan != "free" {
		t.Errorf("Expected default plan free, got %s", cfg.Quota.DefaultPlan)
	}
	if cfg.Session.MaxReconnectAttempts != 8 {
		t.Errorf("Expected 8 reconnect attempts, got %d", cfg.Session.MaxReconnectAttempts)
	}
}
