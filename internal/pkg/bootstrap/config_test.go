package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  port: 9001
provider:
  base_url: http://provider.local
  timeout: 3s
reconcile:
  approval_policy: 'size(notes) > 10'
auth:
  tokens:
    secret-token: alice
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.App.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", cfg.App.Port)
	}
	if cfg.App.Name != "reconcile-admin" {
		t.Fatalf("expected default app name, got %q", cfg.App.Name)
	}
	if cfg.Provider.Timeout != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %s", cfg.Provider.Timeout)
	}
	if cfg.Reconcile.MaxCASRetries != 3 {
		t.Fatalf("expected default max_cas_retries 3, got %d", cfg.Reconcile.MaxCASRetries)
	}
	if cfg.Infra.Kafka.IntakeTopic != "order-awaiting-payment" {
		t.Fatalf("expected default intake topic, got %q", cfg.Infra.Kafka.IntakeTopic)
	}
	if got := cfg.Auth.Tokens["secret-token"]; got != "alice" {
		t.Fatalf("expected token mapped to alice, got %q", got)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "app:\n  port: 8090\n")
	t.Setenv("PROVIDER_BASE_URL", "http://sim:8095")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("MYSQL_DSN", "root:pw@tcp(db:3306)/payrecon")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.BaseURL != "http://sim:8095" {
		t.Fatalf("expected env base url, got %q", cfg.Provider.BaseURL)
	}
	if len(cfg.Infra.Kafka.Brokers) != 2 || cfg.Infra.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Infra.Kafka.Brokers)
	}
	if cfg.App.StoreDriver != "mysql" {
		t.Fatalf("expected mysql store driver when MYSQL_DSN is set, got %q", cfg.App.StoreDriver)
	}
	if !strings.Contains(cfg.Infra.MySQL.DSN, "parseTime=true") {
		t.Fatalf("expected normalized dsn with parseTime, got %q", cfg.Infra.MySQL.DSN)
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero timeout", mutate: func(c *Config) { c.Provider.Timeout = 0 }, wantErr: true},
		{name: "no provider endpoint", mutate: func(c *Config) { c.Provider.BaseURL = "" }, wantErr: true},
		{name: "discovery without nacos", mutate: func(c *Config) {
			c.Provider.BaseURL = ""
			c.Provider.DiscoveryService = "payment-provider"
		}, wantErr: true},
		{name: "zero retries", mutate: func(c *Config) { c.Reconcile.MaxCASRetries = 0 }, wantErr: true},
		{name: "mysql without dsn", mutate: func(c *Config) { c.App.StoreDriver = "mysql" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.App.StoreDriver = "mongo" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeMySQLDSN_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := NormalizeMySQLDSN("not a dsn"); err == nil {
		t.Fatalf("expected error for invalid dsn")
	}
}
